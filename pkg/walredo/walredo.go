// Package walredo declares the boundary to the external WAL redo executor.
// redo is treated as a pure function: redo(base_img?, [wal_rec]) -> img.
// This package only carries the interface and one deterministic
// in-process implementation used by tests; the real Postgres-compatible
// executor lives outside this repository's scope.
package walredo

import (
	"context"
	"fmt"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// WalRecord is one WAL record applied on top of a base image. WillInit
// means the record can synthesize the page without a prior base image,
// terminating the reconstruction walk at this record.
type WalRecord struct {
	WillInit bool
	Bytes    []byte
}

// Manager is the external redo collaborator's interface, as seen by
// internal/timeline's Get path.
type Manager interface {
	// Redo replays records, given oldest-first (the reconstruction walk
	// collects them newest-first and the caller reverses them), on top of
	// an optional base image, producing exactly one PageSize page.
	Redo(ctx context.Context, key pageid.Key, lsn pageid.Lsn, baseImg []byte, records []WalRecord) ([]byte, error)
}

// ErrRedoFailed wraps any error returned by the external redo executor,
// surfaced verbatim.
type ErrRedoFailed struct {
	Key pageid.Key
	Lsn pageid.Lsn
	Err error
}

func (e *ErrRedoFailed) Error() string {
	return fmt.Sprintf("walredo: failed to reconstruct key %s at lsn %s: %v", e.Key, e.Lsn, e.Err)
}

func (e *ErrRedoFailed) Unwrap() error { return e.Err }
