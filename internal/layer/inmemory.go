package layer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

// ErrLsnNotMonotonic is returned by InMemoryLayer.Put when lsn is lower
// than the lsn of the previous Put (equal lsns are accepted).
var ErrLsnNotMonotonic = errors.New("layer: lsn not monotonic")

type indexEntry struct {
	key    pageid.Key
	lsn    pageid.Lsn
	offset int64
	length int32
	isImg  bool
}

// InMemoryLayer is the open, mutable layer that receives puts until
// frozen. It is the only open layer a timeline may have at once.
type InMemoryLayer struct {
	mu sync.RWMutex

	lsnLo pageid.Lsn
	lsnHi pageid.Lsn // valid only once frozen
	frozen bool

	file *EphemeralFile

	// index is append-ordered; GetValueReconstructData scans it backwards.
	// A production engine would keep a per-key skiplist, but an
	// append-ordered slice plus linear backward scan mirrors the flat,
	// scanned-buffer shape used elsewhere in this codebase for small
	// in-memory working sets; we additionally keep a per-key fast path
	// via byKey.
	index []indexEntry
	byKey map[pageid.Key][]int // index into `index`, ascending lsn

	lastRecordLsn pageid.Lsn
}

// NewInMemoryLayer creates a fresh in-memory layer starting at lsnLo,
// backed by a new ephemeral file in dir.
func NewInMemoryLayer(dir string, lsnLo pageid.Lsn) (*InMemoryLayer, error) {
	f, err := NewEphemeralFile(dir, NextEphemeralFileID())
	if err != nil {
		return nil, err
	}
	return &InMemoryLayer{
		lsnLo:         lsnLo,
		file:          f,
		byKey:         make(map[pageid.Key][]int),
		lastRecordLsn: lsnLo.Prev(),
	}, nil
}

// Put appends (key, lsn, value) to the backing ephemeral file and records
// it in the index.
func (l *InMemoryLayer) Put(key pageid.Key, lsn pageid.Lsn, v Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return fmt.Errorf("layer: put on frozen in-memory layer")
	}
	// A single record may touch several keys at the same lsn (e.g. a
	// relation extension that zero-fills a run of gap blocks), so only a
	// strictly decreasing lsn is rejected here; per-key ordering is what
	// GetValueReconstructData actually relies on, via byKey below.
	if lsn < l.lastRecordLsn && l.lastRecordLsn.IsValid() {
		return ErrLsnNotMonotonic
	}

	buf := encodeValue(v)
	offset, err := l.file.Append(buf)
	if err != nil {
		return err
	}

	entry := indexEntry{key: key, lsn: lsn, offset: offset, length: int32(len(buf)), isImg: v.IsImage}
	idx := len(l.index)
	l.index = append(l.index, entry)
	l.byKey[key] = append(l.byKey[key], idx)
	l.lastRecordLsn = lsn
	return nil
}

// Size reports the bytes written so far; used by the checkpointer to
// decide when to freeze.
func (l *InMemoryLayer) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.file.Size()
}

// LastRecordLsn returns the most recently Put lsn.
func (l *InMemoryLayer) LastRecordLsn() pageid.Lsn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRecordLsn
}

// Freeze seals the layer at endLsn: no more writes, lsn_hi is pinned.
func (l *InMemoryLayer) Freeze(endLsn pageid.Lsn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
	l.lsnHi = endLsn
	l.file.Freeze()
}

func (l *InMemoryLayer) ID() string { return fmt.Sprintf("inmem-%d", l.file.ID()) }
func (l *InMemoryLayer) Kind() Kind { return KindInMemory }
func (l *InMemoryLayer) KeyRange() pageid.KeyRange {
	return pageid.KeyRange{Lo: pageid.MinKey, Hi: pageid.MaxKey}
}
func (l *InMemoryLayer) LsnRange() (pageid.Lsn, pageid.Lsn) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.frozen {
		return l.lsnLo, l.lsnHi
	}
	return l.lsnLo, pageid.MaxLsn
}
func (l *InMemoryLayer) FileSize() int64    { return l.Size() }
func (l *InMemoryLayer) IsRemote() bool     { return false }
func (l *InMemoryLayer) LocalPath() string  { return l.file.Path() }
func (l *InMemoryLayer) EphemeralFileID() uint64 { return l.file.ID() }

// GetValueReconstructData scans entries for key at or below lsnRange.Hi-1,
// newest first, appending records until a will_init record or an image is
// hit.
func (l *InMemoryLayer) GetValueReconstructData(key pageid.Key, lsnRange pageid.LsnRange, state *ReconstructState) (ReconstructResult, error) {
	l.mu.RLock()
	positions := append([]int(nil), l.byKey[key]...)
	l.mu.RUnlock()

	if len(positions) == 0 {
		return ResultMissing, nil
	}

	// positions is ascending by lsn (append order == lsn order per key,
	// enforced by Put's monotonicity check); binary search the cutoff.
	l.mu.RLock()
	defer l.mu.RUnlock()
	cut := sort.Search(len(positions), func(i int) bool {
		return l.index[positions[i]].lsn >= lsnRange.Hi
	})
	found := false
	for i := cut - 1; i >= 0; i-- {
		e := l.index[positions[i]]
		if e.lsn < lsnRange.Lo {
			break
		}
		buf, err := l.file.ReadAt(e.offset, int(e.length))
		if err != nil {
			return ResultMissing, err
		}
		v := decodeValue(buf, e.isImg)
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

// HighestBlockAtOrBefore returns the highest Key.Field6 among entries
// within kr written at or before lsn, the core lookup behind a relation
// size query.
func (l *InMemoryLayer) HighestBlockAtOrBefore(kr pageid.KeyRange, lsn pageid.Lsn) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	best := uint32(0)
	found := false
	for _, e := range l.index {
		if e.lsn <= lsn && kr.Contains(e.key) {
			if !found || e.key.Field6 > best {
				best, found = e.key.Field6, true
			}
		}
	}
	return best, found
}

func encodeValue(v Value) []byte {
	if v.IsImage {
		out := make([]byte, 5+len(v.Image))
		out[0] = 1
		binary.BigEndian.PutUint32(out[1:5], uint32(len(v.Image)))
		copy(out[5:], v.Image)
		return out
	}
	out := make([]byte, 6+len(v.Record.Bytes))
	out[0] = 0
	if v.Record.WillInit {
		out[1] = 1
	}
	binary.BigEndian.PutUint32(out[2:6], uint32(len(v.Record.Bytes)))
	copy(out[6:], v.Record.Bytes)
	return out
}

func decodeValue(buf []byte, isImg bool) Value {
	if isImg || buf[0] == 1 {
		n := binary.BigEndian.Uint32(buf[1:5])
		return Value{IsImage: true, Image: buf[5 : 5+n]}
	}
	willInit := buf[1] == 1
	n := binary.BigEndian.Uint32(buf[2:6])
	return Value{Record: walredo.WalRecord{WillInit: willInit, Bytes: buf[6 : 6+n]}}
}
