// Package sidecar persists small, churny per-tenant bookkeeping that does
// not belong in the big content-addressed layer files: wanted_image_layers
// ranges recorded by GC and detach-ancestor resume
// markers. A pebble KV store is a natural fit for this --
// small keys, frequent overwrite, crash-safe -- distinct from the
// timeline's own delta/image layer format which owns its own on-disk
// layout for a different access pattern (bulk sequential write, bulk
// content-addressed read).
package sidecar

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// Store wraps a pebble database rooted at one tenant's sidecar directory.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the sidecar store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("sidecar: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func wantedKey(tl pageid.TimelineID, kr pageid.KeyRange) []byte {
	lo, hi := kr.Lo.Bytes(), kr.Hi.Bytes()
	b := []byte("wanted/" + tl.String() + "/")
	b = append(b, lo[:]...)
	b = append(b, hi[:]...)
	return b
}

// RecordWanted durably marks kr as needing an image layer on this
// timeline's next compaction pass (implements timeline.WantedImageLayers).
func (s *Store) RecordWanted(tl pageid.TimelineID, kr pageid.KeyRange) error {
	return s.db.Set(wantedKey(tl, kr), []byte{1}, pebble.Sync)
}

// ClearWanted removes a range once compaction has created the image.
func (s *Store) ClearWanted(tl pageid.TimelineID, kr pageid.KeyRange) error {
	return s.db.Delete(wantedKey(tl, kr), pebble.Sync)
}

// ListWanted returns every range recorded wanted for tl.
func (s *Store) ListWanted(tl pageid.TimelineID) ([]pageid.KeyRange, error) {
	prefix := []byte("wanted/" + tl.String() + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []pageid.KeyRange
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()[len(prefix):]
		if len(k) != 2*pageid.KeySize {
			continue
		}
		lo, err := pageid.KeyFromBytes(k[:pageid.KeySize])
		if err != nil {
			continue
		}
		hi, err := pageid.KeyFromBytes(k[pageid.KeySize:])
		if err != nil {
			continue
		}
		out = append(out, pageid.KeyRange{Lo: lo, Hi: hi})
	}
	return out, iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// DetachAncestorState is the resume marker for the idempotent
// detach-ancestor operation.
type DetachAncestorState struct {
	DetachedPreviousAncestor pageid.TimelineID
	HasPrevious              bool
	GcBlockingReason         string
	ReparentedChildren       []pageid.TimelineID
}

func detachKey(tl pageid.TimelineID) []byte {
	return []byte("detach/" + tl.String())
}

// SaveDetachState persists the detach-ancestor resume marker. Only a
// marker that records a finished run lets a retry skip the work; after an
// interrupted run the retry repeats it in full, copies included.
func (s *Store) SaveDetachState(tl pageid.TimelineID, st DetachAncestorState) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Set(detachKey(tl), buf, pebble.Sync)
}

// LoadDetachState returns the persisted marker, or ok=false if none.
func (s *Store) LoadDetachState(tl pageid.TimelineID) (DetachAncestorState, bool, error) {
	buf, closer, err := s.db.Get(detachKey(tl))
	if err == pebble.ErrNotFound {
		return DetachAncestorState{}, false, nil
	}
	if err != nil {
		return DetachAncestorState{}, false, err
	}
	defer closer.Close()
	var st DetachAncestorState
	if err := json.Unmarshal(buf, &st); err != nil {
		return DetachAncestorState{}, false, err
	}
	return st, true, nil
}

// ClearDetachState removes the marker once detach-ancestor completes.
func (s *Store) ClearDetachState(tl pageid.TimelineID) error {
	return s.db.Delete(detachKey(tl), pebble.Sync)
}
