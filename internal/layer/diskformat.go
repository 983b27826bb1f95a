package layer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/holiman/bloomfilter/v2"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// On-disk format shared by delta and image layers:
//
//   [headerOffset 8] big-endian file offset of the fixed header below
//   ... data area (values, written by the writer as it streams Put calls) ...
//   ... index area: sorted array of fixed-width entries ...
//   ... bloom filter area (optional) ...
//   [magic 4][version 1][reserved 1][keyLo 18][keyHi 18][lsnLo 8][lsnHi 8]
//   [numEntries 4][indexOffset 8][bloomOffset 8][bloomLen 4][dataOffset 8]
//   [headerCrc32 4]
//
// Delta index entries are (key[18], lsn[8], offset[8], length[4]) sorted
// key-major, lsn ascending. Image index entries are (key[18], offset[8],
// length[4]) sorted by key, one per key. This is a deliberately simple
// sorted array searched by binary search rather than a real multi-level
// B-tree mapping key -> (offset, length): a flat sorted array is the
// degenerate (and, for the single-file-per-rectangle sizes this engine
// produces, entirely sufficient) case of that structure.
const (
	magicDelta uint32 = 0x4e454f4e // "NEON"-shaped magic, distinguishes delta...
	magicImage uint32 = 0x4e454f49 // ...from image layer files.
	formatVersion byte = 1

	headerFixedSize = 4 + 1 + 1 + pageid.KeySize + pageid.KeySize + 8 + 8 + 4 + 8 + 8 + 4 + 8 + 4
)

type fileHeader struct {
	magic        uint32
	version      byte
	keyLo, keyHi pageid.Key
	lsnLo, lsnHi pageid.Lsn // for image layers lsnLo == lsnHi == the single LSN
	numEntries   uint32
	indexOffset  int64
	bloomOffset  int64
	bloomLen     uint32
	dataOffset   int64
}

func writeHeader(w *bufio.Writer, h fileHeader) error {
	buf := make([]byte, headerFixedSize-4)
	o := 0
	binary.BigEndian.PutUint32(buf[o:], h.magic)
	o += 4
	buf[o] = h.version
	o++
	buf[o] = 0 // reserved
	o++
	kl := h.keyLo.Bytes()
	copy(buf[o:], kl[:])
	o += pageid.KeySize
	kh := h.keyHi.Bytes()
	copy(buf[o:], kh[:])
	o += pageid.KeySize
	binary.BigEndian.PutUint64(buf[o:], uint64(h.lsnLo))
	o += 8
	binary.BigEndian.PutUint64(buf[o:], uint64(h.lsnHi))
	o += 8
	binary.BigEndian.PutUint32(buf[o:], h.numEntries)
	o += 4
	binary.BigEndian.PutUint64(buf[o:], uint64(h.indexOffset))
	o += 8
	binary.BigEndian.PutUint64(buf[o:], uint64(h.bloomOffset))
	o += 8
	binary.BigEndian.PutUint32(buf[o:], h.bloomLen)
	o += 4
	binary.BigEndian.PutUint64(buf[o:], uint64(h.dataOffset))
	o += 8

	crc := crc32.ChecksumIEEE(buf[:o])
	if _, err := w.Write(buf[:o]); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	_, err := w.Write(crcBuf[:])
	return err
}

func readHeader(f *os.File) (fileHeader, error) {
	buf := make([]byte, headerFixedSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fileHeader{}, fmt.Errorf("layer: read header: %w", err)
	}
	body := buf[:len(buf)-4]
	wantCrc := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if gotCrc := crc32.ChecksumIEEE(body); gotCrc != wantCrc {
		return fileHeader{}, fmt.Errorf("layer: %w: header crc mismatch", ErrChecksumMismatch)
	}

	var h fileHeader
	o := 0
	h.magic = binary.BigEndian.Uint32(buf[o:])
	o += 4
	h.version = buf[o]
	o++
	o++ // reserved
	kl, err := pageid.KeyFromBytes(buf[o : o+pageid.KeySize])
	if err != nil {
		return fileHeader{}, err
	}
	h.keyLo = kl
	o += pageid.KeySize
	kh, err := pageid.KeyFromBytes(buf[o : o+pageid.KeySize])
	if err != nil {
		return fileHeader{}, err
	}
	h.keyHi = kh
	o += pageid.KeySize
	h.lsnLo = pageid.Lsn(binary.BigEndian.Uint64(buf[o:]))
	o += 8
	h.lsnHi = pageid.Lsn(binary.BigEndian.Uint64(buf[o:]))
	o += 8
	h.numEntries = binary.BigEndian.Uint32(buf[o:])
	o += 4
	h.indexOffset = int64(binary.BigEndian.Uint64(buf[o:]))
	o += 8
	h.bloomOffset = int64(binary.BigEndian.Uint64(buf[o:]))
	o += 8
	h.bloomLen = binary.BigEndian.Uint32(buf[o:])
	o += 4
	h.dataOffset = int64(binary.BigEndian.Uint64(buf[o:]))

	if h.version != formatVersion {
		return fileHeader{}, fmt.Errorf("layer: unsupported format version %d", h.version)
	}
	return h, nil
}

// ErrChecksumMismatch is returned when a header or metadata file fails its
// checksum; it is fatal at load time.
var ErrChecksumMismatch = fmt.Errorf("checksum mismatch")

// buildBloom constructs a Bloom filter over the given keys for a false
// positive rate of about 1%. Used by delta-layer readers to short-circuit
// ResultMissing without a binary search.
func buildBloom(keys []pageid.Key) (*bloomfilter.Filter, error) {
	n := uint64(len(keys))
	if n == 0 {
		n = 1
	}
	bf, err := bloomfilter.NewOptimal(n, 0.01)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		kb := k.Bytes()
		bf.Add(bloomfilter.NewHash(kb[:]))
	}
	return bf, nil
}

func bloomContains(bf *bloomfilter.Filter, k pageid.Key) bool {
	if bf == nil {
		return true // no filter loaded: fall back to the real lookup
	}
	kb := k.Bytes()
	return bf.Contains(bloomfilter.NewHash(kb[:]))
}

// indexBlockCache is the optional clean cache of decoded index bytes
// shared by delta/image readers, a fastcache.Cache the same way other
// hot read paths in this codebase cache decoded bytes.
var indexBlockCache *fastcache.Cache

// SetIndexBlockCacheSize (re)initializes the shared clean index cache.
// Call once at process start; a zero size disables the cache.
func SetIndexBlockCacheSize(bytes int) {
	if bytes <= 0 {
		indexBlockCache = nil
		return
	}
	indexBlockCache = fastcache.New(bytes)
}
