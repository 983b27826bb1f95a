package layer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/bloomfilter/v2"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// ImageLayer holds a full-page snapshot of every key in [keyLo, keyHi) as
// of a single LSN. Unlike a delta layer it has no
// predecessor to fall back to: a hit always completes the reconstruction.
type ImageLayer struct {
	path     string
	keyRange pageid.KeyRange
	lsn      pageid.Lsn

	mu    sync.Mutex
	f     *os.File
	index []imageIndexEntry // sorted by key, one entry per key
	bloom *bloomfilter.Filter
	fileSz int64
}

type imageIndexEntry struct {
	key    pageid.Key
	offset int64
	length int32
}

// ImageLayerFilename returns the content-addressed name for an image
// layer: "{key_lo}-{key_hi}__{lsn}".
func ImageLayerFilename(kr pageid.KeyRange, lsn pageid.Lsn) string {
	return fmt.Sprintf("%s-%s__%016X", kr.Lo, kr.Hi, uint64(lsn))
}

// ImageWriter builds a new image layer. Keys must be delivered in strictly
// increasing order, at most once each.
type ImageWriter struct {
	dir   string
	keyLo pageid.Key
	lsn   pageid.Lsn

	tmpPath string
	f       *os.File
	bw      *bufio.Writer
	off     int64

	entries []imageIndexEntry
	hasLast bool
	lastKey pageid.Key
}

// NewImageWriter opens a new temp file for an image layer at lsn.
func NewImageWriter(dir string, keyLo pageid.Key, lsn pageid.Lsn) (*ImageWriter, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-image-%d", NextEphemeralFileID()))
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
	return &ImageWriter{
		dir: dir, keyLo: keyLo, lsn: lsn,
		tmpPath: tmp, f: f, bw: bw, off: 8,
	}, nil
}

// PutImage appends a full page image for key.
func (w *ImageWriter) PutImage(key pageid.Key, img []byte) error {
	if w.hasLast && !w.lastKey.Less(key) {
		return fmt.Errorf("layer: image writer received out-of-order or duplicate key %s", key)
	}
	if _, err := w.bw.Write(img); err != nil {
		return err
	}
	w.entries = append(w.entries, imageIndexEntry{key: key, offset: w.off, length: int32(len(img))})
	w.off += int64(len(img))
	w.lastKey, w.hasLast = key, true
	return nil
}

// Finish writes the index, bloom filter, and header (after all data,
// located through the 8-byte header offset at the start of the file, the
// same scheme delta layers use), fsyncs, and returns the resulting
// ImageLayer.
func (w *ImageWriter) Finish(keyHi pageid.Key) (*ImageLayer, error) {
	if err := w.bw.Flush(); err != nil {
		return nil, err
	}
	dataEnd := w.off

	keys := make([]pageid.Key, len(w.entries))
	for i, e := range w.entries {
		keys[i] = e.key
	}
	bf, err := buildBloom(keys)
	if err != nil {
		return nil, err
	}

	indexOff := dataEnd
	for _, e := range w.entries {
		var rec [pageid.KeySize + 8 + 4]byte
		kb := e.key.Bytes()
		copy(rec[:], kb[:])
		binary.BigEndian.PutUint64(rec[pageid.KeySize:], uint64(e.offset))
		binary.BigEndian.PutUint32(rec[pageid.KeySize+8:], uint32(e.length))
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

	// The data/index/bloom areas already occupy [0, bloomOff+len). The
	// fixed header is appended after them and located via the same
	// leading 8-byte trailer pointer used by delta layers, keeping both
	// readers' offset-discovery logic identical.
	hdrOff := bloomOff + int64(len(bloomBytes))
	hdr := fileHeader{
		magic: magicImage, version: formatVersion,
		keyLo: w.keyLo, keyHi: keyHi,
		lsnLo: w.lsn, lsnHi: w.lsn,
		numEntries:  uint32(len(w.entries)),
		indexOffset: indexOff,
		bloomOffset: bloomOff,
		bloomLen:    uint32(len(bloomBytes)),
		dataOffset:  0,
	}
	if _, err := w.f.Seek(hdrOff, os.SEEK_SET); err != nil {
		return nil, err
	}
	hw := bufio.NewWriter(w.f)
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
	finalPath := filepath.Join(w.dir, ImageLayerFilename(pageid.KeyRange{Lo: w.keyLo, Hi: keyHi}, w.lsn))
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return nil, err
	}
	if err := fsyncDir(w.dir); err != nil {
		return nil, err
	}

	il := &ImageLayer{
		path:     finalPath,
		keyRange: pageid.KeyRange{Lo: w.keyLo, Hi: keyHi},
		lsn:      w.lsn,
		f:        w.f,
		index:    w.entries,
		bloom:    bf,
		fileSz:   hdrOff + headerFixedSize,
	}
	log.Info("layer: wrote image layer", "path", finalPath, "entries", len(w.entries), "size", il.fileSz)
	return il, nil
}

// OpenImageLayer loads an existing image layer file.
func OpenImageLayer(path string) (*ImageLayer, error) {
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
	if hdr.magic != magicImage {
		return nil, fmt.Errorf("layer: %s: not an image layer (bad magic)", path)
	}

	const recSize = pageid.KeySize + 8 + 4
	buf := make([]byte, int(hdr.numEntries)*recSize)
	if _, err := f.ReadAt(buf, hdr.indexOffset); err != nil {
		return nil, err
	}
	index := make([]imageIndexEntry, hdr.numEntries)
	for i := range index {
		rec := buf[i*recSize : (i+1)*recSize]
		k, err := pageid.KeyFromBytes(rec[:pageid.KeySize])
		if err != nil {
			return nil, err
		}
		index[i] = imageIndexEntry{
			key:    k,
			offset: int64(binary.BigEndian.Uint64(rec[pageid.KeySize:])),
			length: int32(binary.BigEndian.Uint32(rec[pageid.KeySize+8:])),
		}
	}

	var bf *bloomfilter.Filter
	if hdr.bloomLen > 0 {
		bbuf := make([]byte, hdr.bloomLen)
		if _, err := f.ReadAt(bbuf, hdr.bloomOffset); err == nil {
			bf = &bloomfilter.Filter{}
			_ = bf.UnmarshalBinary(bbuf)
		}
	}

	info, _ := f.Stat()
	return &ImageLayer{
		path:     path,
		keyRange: pageid.KeyRange{Lo: hdr.keyLo, Hi: hdr.keyHi},
		lsn:      hdr.lsnLo,
		f:        f,
		index:    index,
		bloom:    bf,
		fileSz:   info.Size(),
	}, nil
}

func (i *ImageLayer) ID() string                { return filepath.Base(i.path) }
func (i *ImageLayer) Kind() Kind                { return KindImage }
func (i *ImageLayer) KeyRange() pageid.KeyRange { return i.keyRange }
func (i *ImageLayer) LsnRange() (pageid.Lsn, pageid.Lsn) { return i.lsn, i.lsn + 1 }
func (i *ImageLayer) At() pageid.Lsn            { return i.lsn }
func (i *ImageLayer) FileSize() int64           { return i.fileSz }
func (i *ImageLayer) IsRemote() bool            { return false }
func (i *ImageLayer) LocalPath() string         { return i.path }

// GetValueReconstructData returns the stored image directly; an image
// layer hit always completes the walk.
func (i *ImageLayer) GetValueReconstructData(key pageid.Key, lsnRange pageid.LsnRange, state *ReconstructState) (ReconstructResult, error) {
	if !i.keyRange.Contains(key) {
		return ResultMissing, nil
	}
	if !bloomContains(i.bloom, key) {
		return ResultMissing, nil
	}
	if i.lsn < lsnRange.Lo || i.lsn >= lsnRange.Hi {
		return ResultMissing, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	idx := sort.Search(len(i.index), func(n int) bool { return !i.index[n].key.Less(key) })
	if idx >= len(i.index) || i.index[idx].key != key {
		imageMissMeter.Mark(1)
		return ResultMissing, nil
	}
	imageHitMeter.Mark(1)
	e := i.index[idx]
	buf := make([]byte, e.length)
	if _, err := i.f.ReadAt(buf, e.offset); err != nil {
		return ResultMissing, err
	}
	state.Img = buf
	return ResultComplete, nil
}

// Keys returns every key this layer holds an image for.
func (i *ImageLayer) Keys() []pageid.Key {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]pageid.Key, len(i.index))
	for n, e := range i.index {
		out[n] = e.key
	}
	return out
}

// HighestBlockAtOrBefore returns the highest Key.Field6 among this
// layer's keys within kr, if the image itself was taken at or before
// lsn.
func (i *ImageLayer) HighestBlockAtOrBefore(kr pageid.KeyRange, lsn pageid.Lsn) (uint32, bool) {
	if i.lsn > lsn {
		return 0, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	best := uint32(0)
	found := false
	for _, e := range i.index {
		if kr.Contains(e.key) {
			if !found || e.key.Field6 > best {
				best, found = e.key.Field6, true
			}
		}
	}
	return best, found
}

func (i *ImageLayer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.f.Close()
}

func (i *ImageLayer) Delete() error {
	_ = i.Close()
	return os.Remove(i.path)
}
