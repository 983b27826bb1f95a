// Package layer implements the layered on-disk/in-memory storage of a
// timeline's page history: the in-memory layer, delta layers, image
// layers, remote layer placeholders, and the per-timeline layer map that
// indexes them all.
//
// Layers form a small closed variant set; we model that as a Go
// interface implemented by four concrete types rather than a tagged
// union, the idiomatic Go rendition of the same shape.
package layer

import (
	"fmt"

	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

// Value is either a full page Image or a WalRecord delta.
type Value struct {
	IsImage bool
	Image   []byte // valid iff IsImage
	Record  walredo.WalRecord
}

// ReconstructState accumulates what's needed to hand off to the external
// redo function: an optional base image and the WAL records collected on
// top of it, newest-first until Complete.
type ReconstructState struct {
	Img     []byte // non-nil once a base image has been found
	Records []walredo.WalRecord
}

// AddRecord appends a record to the end of Records (records arrive
// newest-first; redo wants oldest-first, so the caller reverses before
// calling walredo.Manager.Redo).
func (s *ReconstructState) AddRecord(r walredo.WalRecord) {
	s.Records = append(s.Records, r)
}

// Reversed returns the accumulated records oldest-first, the order the
// external redo function expects.
func (s *ReconstructState) Reversed() []walredo.WalRecord {
	out := make([]walredo.WalRecord, len(s.Records))
	for i, r := range s.Records {
		out[len(s.Records)-1-i] = r
	}
	return out
}

// ReconstructResult is the outcome of one layer's contribution to a
// get_value_reconstruct_data walk.
type ReconstructResult int

const (
	// ResultComplete: a base image was found; the caller stops.
	ResultComplete ReconstructResult = iota
	// ResultContinue: records (and maybe an older image) were appended;
	// the caller continues to older layers.
	ResultContinue
	// ResultMissing: the key does not exist in this layer's rectangle.
	ResultMissing
)

// Kind distinguishes the four closed variants of Layer.
type Kind int

const (
	KindInMemory Kind = iota
	KindDelta
	KindImage
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindInMemory:
		return "in-memory"
	case KindDelta:
		return "delta"
	case KindImage:
		return "image"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Layer is the common capability set of every layer kind: a rectangle in
// Key x LSN space plus the ability to contribute to a reconstruction
// walk.
type Layer interface {
	// ID is the deterministic identifier used for sort tie-breaks and for
	// content-addressed file naming.
	ID() string
	Kind() Kind
	KeyRange() pageid.KeyRange
	// LsnRange returns [lo, hi). For an open in-memory layer hi is
	// pageid.MaxLsn.
	LsnRange() (lo, hi pageid.Lsn)
	FileSize() int64
	IsRemote() bool
	// LocalPath returns the on-disk path, or "" for an unmaterialized
	// remote layer.
	LocalPath() string

	GetValueReconstructData(key pageid.Key, lsnRange pageid.LsnRange, state *ReconstructState) (ReconstructResult, error)
}

// Covers reports whether the layer's rectangle covers (key, lsn).
func Covers(l Layer, key pageid.Key, lsn pageid.Lsn) bool {
	if !l.KeyRange().Contains(key) {
		return false
	}
	lo, hi := l.LsnRange()
	return lsn >= lo && lsn < hi
}

// ErrNotFound is returned by layer map mutations that expect a layer to
// already be present.
type ErrNotFound struct {
	What string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("layer: %s not found", e.What) }
