package layer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/bloomfilter/v2"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// DeltaLayer is an immutable on-disk B-tree mapping (Key, Lsn) -> Value
// over a bounded [keyLo, keyHi) x [lsnLo, lsnHi) rectangle.
type DeltaLayer struct {
	path     string
	keyRange pageid.KeyRange
	lsnRange pageid.LsnRange

	mu      sync.Mutex
	f       *os.File
	index   []deltaIndexEntry // sorted key-major, lsn ascending
	bloom   *bloomfilter.Filter
	fileID  uint64
	fileSz  int64
}

type deltaIndexEntry struct {
	key    pageid.Key
	lsn    pageid.Lsn
	offset int64
	length int32
}

// DeltaLayerFilename returns the content-addressed on-disk name:
// "{key_lo}-{key_hi}__{lsn_lo}-{lsn_hi}".
func DeltaLayerFilename(kr pageid.KeyRange, lr pageid.LsnRange) string {
	return fmt.Sprintf("%s-%s__%016X-%016X", kr.Lo, kr.Hi, uint64(lr.Lo), uint64(lr.Hi))
}

// DeltaWriter builds a new delta layer. Keys must be delivered in
// non-decreasing order, and for a given key, lsns in non-decreasing
// order.
type DeltaWriter struct {
	dir      string
	keyLo    pageid.Key
	lsnRange pageid.LsnRange

	tmpPath string
	f       *os.File
	bw      *bufio.Writer
	off     int64

	entries []deltaIndexEntry
	lastKey pageid.Key
	lastLsn pageid.Lsn
	hasLast bool
}

// NewDeltaWriter opens a new temp file under dir for a layer covering
// [keyLo, ...) x lsnRange; the upper key bound is supplied at Finish.
func NewDeltaWriter(dir string, keyLo pageid.Key, lsnRange pageid.LsnRange) (*DeltaWriter, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-delta-%d", NextEphemeralFileID()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	// The first 8 bytes are reserved for the header offset Finish records.
	bw := bufio.NewWriter(f)
	if _, err := bw.Write(make([]byte, 8)); err != nil {
		f.Close()
		return nil, err
	}
	return &DeltaWriter{
		dir: dir, keyLo: keyLo, lsnRange: lsnRange,
		tmpPath: tmp, f: f, bw: bw, off: 8,
	}, nil
}

// PutValue appends one (key, lsn, value) entry.
func (w *DeltaWriter) PutValue(key pageid.Key, lsn pageid.Lsn, v Value) error {
	if w.hasLast {
		if key.Less(w.lastKey) || (key == w.lastKey && lsn < w.lastLsn) {
			return fmt.Errorf("layer: delta writer received out-of-order (key=%s lsn=%s)", key, lsn)
		}
	}
	buf := encodeValue(v)
	if _, err := w.bw.Write(buf); err != nil {
		return err
	}
	w.entries = append(w.entries, deltaIndexEntry{key: key, lsn: lsn, offset: w.off, length: int32(len(buf))})
	w.off += int64(len(buf))
	w.lastKey, w.lastLsn, w.hasLast = key, lsn, true
	return nil
}

// Finish writes the index, header, and bloom filter, fsyncs the file and
// its parent directory, and returns the resulting DeltaLayer. This is how
// a frozen in-memory layer becomes durable via the flush loop.
func (w *DeltaWriter) Finish(keyHi pageid.Key) (*DeltaLayer, error) {
	if err := w.bw.Flush(); err != nil {
		return nil, err
	}
	dataEnd := w.off

	keys := make([]pageid.Key, 0, len(w.entries))
	seen := map[pageid.Key]bool{}
	for _, e := range w.entries {
		if !seen[e.key] {
			seen[e.key] = true
			keys = append(keys, e.key)
		}
	}
	bf, err := buildBloom(keys)
	if err != nil {
		return nil, err
	}

	indexOff := dataEnd
	for _, e := range w.entries {
		var rec [pageid.KeySize + 8 + 8 + 4]byte
		kb := e.key.Bytes()
		copy(rec[:], kb[:])
		binary.BigEndian.PutUint64(rec[pageid.KeySize:], uint64(e.lsn))
		binary.BigEndian.PutUint64(rec[pageid.KeySize+8:], uint64(e.offset))
		binary.BigEndian.PutUint32(rec[pageid.KeySize+16:], uint32(e.length))
		if _, err := w.bw.Write(rec[:]); err != nil {
			return nil, err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return nil, err
	}
	indexEnd, _ := w.f.Seek(0, os.SEEK_CUR)

	bloomOff := indexEnd
	bloomBytes, err := bf.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := w.f.WriteAt(bloomBytes, bloomOff); err != nil {
		return nil, err
	}

	hdr := fileHeader{
		magic: magicDelta, version: formatVersion,
		keyLo: w.keyLo, keyHi: keyHi,
		lsnLo: w.lsnRange.Lo, lsnHi: w.lsnRange.Hi,
		numEntries:  uint32(len(w.entries)),
		indexOffset: indexOff,
		bloomOffset: bloomOff,
		bloomLen:    uint32(len(bloomBytes)),
		dataOffset:  0,
	}
	// Header is stored at the tail; readers locate it via a fixed trailer
	// offset recorded in the first 8 bytes of the file for simplicity.
	hdrOff := bloomOff + int64(len(bloomBytes))
	hw := bufio.NewWriter(w.f)
	if _, err := w.f.Seek(hdrOff, os.SEEK_SET); err != nil {
		return nil, err
	}
	if err := writeHeader(hw, hdr); err != nil {
		return nil, err
	}
	if err := hw.Flush(); err != nil {
		return nil, err
	}
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], uint64(hdrOff))
	if _, err := w.f.WriteAt(trailer[:], 0); err != nil {
		return nil, err
	}

	if err := w.f.Sync(); err != nil {
		return nil, err
	}
	finalPath := filepath.Join(w.dir, DeltaLayerFilename(pageid.KeyRange{Lo: w.keyLo, Hi: keyHi}, w.lsnRange))
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return nil, err
	}
	if err := fsyncDir(w.dir); err != nil {
		return nil, err
	}

	dl := &DeltaLayer{
		path:     finalPath,
		keyRange: pageid.KeyRange{Lo: w.keyLo, Hi: keyHi},
		lsnRange: w.lsnRange,
		f:        w.f,
		index:    w.entries,
		bloom:    bf,
		fileID:   NextEphemeralFileID(),
		fileSz:   hdrOff + headerFixedSize,
	}
	log.Info("layer: wrote delta layer", "path", finalPath, "entries", len(w.entries), "size", dl.fileSz)
	return dl, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// OpenDeltaLayer loads an existing delta layer file, reading its header,
// index, and bloom filter fully into memory (bounded by target_file_size,
// so this is cheap).
func OpenDeltaLayer(path string) (*DeltaLayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var trailer [8]byte
	if _, err := f.ReadAt(trailer[:], 0); err != nil {
		return nil, err
	}
	hdrOff := int64(binary.BigEndian.Uint64(trailer[:]))

	hdr, err := readHeaderAt(f, hdrOff)
	if err != nil {
		return nil, err
	}
	if hdr.magic != magicDelta {
		return nil, fmt.Errorf("layer: %s: not a delta layer (bad magic)", path)
	}

	index, err := readDeltaIndex(f, hdr)
	if err != nil {
		return nil, err
	}
	var bf *bloomfilter.Filter
	if hdr.bloomLen > 0 {
		buf := make([]byte, hdr.bloomLen)
		if _, err := f.ReadAt(buf, hdr.bloomOffset); err == nil {
			bf = &bloomfilter.Filter{}
			_ = bf.UnmarshalBinary(buf)
		}
	}

	info, _ := f.Stat()
	return &DeltaLayer{
		path:     path,
		keyRange: pageid.KeyRange{Lo: hdr.keyLo, Hi: hdr.keyHi},
		lsnRange: pageid.LsnRange{Lo: hdr.lsnLo, Hi: hdr.lsnHi},
		f:        f,
		index:    index,
		bloom:    bf,
		fileSz:   info.Size(),
	}, nil
}

func readHeaderAt(f *os.File, off int64) (fileHeader, error) {
	buf := make([]byte, headerFixedSize)
	if _, err := f.ReadAt(buf, off); err != nil {
		return fileHeader{}, err
	}
	body := buf[:len(buf)-4]
	return decodeHeaderBytes(body, buf[len(buf)-4:])
}

func decodeHeaderBytes(body, crcBytes []byte) (fileHeader, error) {
	wantCrc := binary.BigEndian.Uint32(crcBytes)
	if gotCrc := crc32.ChecksumIEEE(body); gotCrc != wantCrc {
		return fileHeader{}, fmt.Errorf("layer: %w: header crc mismatch", ErrChecksumMismatch)
	}
	var h fileHeader
	o := 0
	h.magic = binary.BigEndian.Uint32(body[o:])
	o += 4
	h.version = body[o]
	o += 2
	kl, err := pageid.KeyFromBytes(body[o : o+pageid.KeySize])
	if err != nil {
		return fileHeader{}, err
	}
	h.keyLo = kl
	o += pageid.KeySize
	kh, err := pageid.KeyFromBytes(body[o : o+pageid.KeySize])
	if err != nil {
		return fileHeader{}, err
	}
	h.keyHi = kh
	o += pageid.KeySize
	h.lsnLo = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	h.lsnHi = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	h.numEntries = binary.BigEndian.Uint32(body[o:])
	o += 4
	h.indexOffset = int64(binary.BigEndian.Uint64(body[o:]))
	o += 8
	h.bloomOffset = int64(binary.BigEndian.Uint64(body[o:]))
	o += 8
	h.bloomLen = binary.BigEndian.Uint32(body[o:])
	o += 4
	h.dataOffset = int64(binary.BigEndian.Uint64(body[o:]))
	if h.version != formatVersion {
		return fileHeader{}, fmt.Errorf("layer: unsupported format version %d", h.version)
	}
	return h, nil
}

func readDeltaIndex(f *os.File, hdr fileHeader) ([]deltaIndexEntry, error) {
	const recSize = pageid.KeySize + 8 + 8 + 4
	buf := make([]byte, int(hdr.numEntries)*recSize)
	if _, err := f.ReadAt(buf, hdr.indexOffset); err != nil {
		return nil, err
	}
	out := make([]deltaIndexEntry, hdr.numEntries)
	for i := range out {
		rec := buf[i*recSize : (i+1)*recSize]
		k, err := pageid.KeyFromBytes(rec[:pageid.KeySize])
		if err != nil {
			return nil, err
		}
		out[i] = deltaIndexEntry{
			key:    k,
			lsn:    pageid.Lsn(binary.BigEndian.Uint64(rec[pageid.KeySize:])),
			offset: int64(binary.BigEndian.Uint64(rec[pageid.KeySize+8:])),
			length: int32(binary.BigEndian.Uint32(rec[pageid.KeySize+16:])),
		}
	}
	return out, nil
}

func (d *DeltaLayer) ID() string              { return filepath.Base(d.path) }
func (d *DeltaLayer) Kind() Kind              { return KindDelta }
func (d *DeltaLayer) KeyRange() pageid.KeyRange { return d.keyRange }
func (d *DeltaLayer) LsnRange() (pageid.Lsn, pageid.Lsn) { return d.lsnRange.Lo, d.lsnRange.Hi }
func (d *DeltaLayer) FileSize() int64         { return d.fileSz }
func (d *DeltaLayer) IsRemote() bool          { return false }
func (d *DeltaLayer) LocalPath() string       { return d.path }

// IsL0 reports whether this delta layer spans the full keyspace, the
// defining property of an L0 delta.
func (d *DeltaLayer) IsL0() bool { return d.keyRange.IsFullRange() }

// GetValueReconstructData implements the read path for this layer:
// records are returned in descending lsn order until a will_init record
// or an image is hit.
func (d *DeltaLayer) GetValueReconstructData(key pageid.Key, lsnRange pageid.LsnRange, state *ReconstructState) (ReconstructResult, error) {
	if !d.keyRange.Contains(key) {
		return ResultMissing, nil
	}
	if !bloomContains(d.bloom, key) {
		deltaBloomSkipMeter.Mark(1)
		return ResultMissing, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	lo := sort.Search(len(d.index), func(i int) bool {
		e := d.index[i]
		if e.key != key {
			return !e.key.Less(key)
		}
		return true
	})
	hi := lo
	for hi < len(d.index) && d.index[hi].key == key {
		hi++
	}
	if lo == hi {
		deltaMissMeter.Mark(1)
		return ResultMissing, nil
	}
	deltaHitMeter.Mark(1)

	// entries for this key are lo..hi, ascending by lsn; walk descending
	// from the cutoff.
	cut := sort.Search(hi-lo, func(i int) bool { return d.index[lo+i].lsn >= lsnRange.Hi }) + lo
	found := false
	for i := cut - 1; i >= lo; i-- {
		e := d.index[i]
		if e.lsn < lsnRange.Lo {
			break
		}
		buf := make([]byte, e.length)
		if _, err := d.f.ReadAt(buf, e.offset); err != nil {
			return ResultMissing, err
		}
		v := decodeValue(buf, false)
		found = true
		if v.IsImage {
			state.Img = v.Image
			return ResultComplete, nil
		}
		state.AddRecord(v.Record)
		if v.Record.WillInit {
			return ResultComplete, nil
		}
	}
	if !found {
		return ResultMissing, nil
	}
	return ResultContinue, nil
}

// DeltaEntry is one decoded (key, lsn, value) record from a delta layer,
// in the on-disk index's order (key-major, lsn-ascending).
type DeltaEntry struct {
	Key   pageid.Key
	Lsn   pageid.Lsn
	Value Value
}

// AllEntries decodes and returns every entry this layer holds, in on-disk
// index order. Compaction uses this to merge whole layers by their
// actual stored entries rather than probing every value in Key space.
func (d *DeltaLayer) AllEntries() ([]DeltaEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeltaEntry, len(d.index))
	for i, e := range d.index {
		buf := make([]byte, e.length)
		if _, err := d.f.ReadAt(buf, e.offset); err != nil {
			return nil, err
		}
		out[i] = DeltaEntry{Key: e.key, Lsn: e.lsn, Value: decodeValue(buf, false)}
	}
	return out, nil
}

// Keys returns the distinct keys this layer holds entries for, in no
// particular order.
func (d *DeltaLayer) Keys() []pageid.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := map[pageid.Key]bool{}
	out := make([]pageid.Key, 0, len(d.index))
	for _, e := range d.index {
		if !seen[e.key] {
			seen[e.key] = true
			out = append(out, e.key)
		}
	}
	return out
}

// HighestBlockAtOrBefore returns the highest Key.Field6 among entries
// within kr written at or before lsn.
func (d *DeltaLayer) HighestBlockAtOrBefore(kr pageid.KeyRange, lsn pageid.Lsn) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := uint32(0)
	found := false
	for _, e := range d.index {
		if e.lsn <= lsn && kr.Contains(e.key) {
			if !found || e.key.Field6 > best {
				best, found = e.key.Field6, true
			}
		}
	}
	return best, found
}

// Close releases the file handle.
func (d *DeltaLayer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Delete removes the backing file; used by GC/compaction after the new
// layer set is published and pending uploads awaited.
func (d *DeltaLayer) Delete() error {
	_ = d.Close()
	return os.Remove(d.path)
}
