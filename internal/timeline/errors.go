// Package timeline implements the per-branch storage engine: the
// get-page-at-LSN walk, the write path, the freeze/flush loop,
// compaction, and garbage collection. One Timeline owns one
// LayerMap plus the bookkeeping (metadata, gc cutoff, retain set) that
// the rest of those operations coordinate around.
package timeline

import (
	"errors"
	"fmt"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// Error kinds a Timeline can surface. Kept as distinct sentinel-wrapping
// types (not one enum) so callers can errors.As into the one they care
// about and still get %w-chaining to the underlying cause.
var (
	ErrCancelled        = errors.New("timeline: cancelled")
	ErrAncestorStopping = errors.New("timeline: ancestor is stopping")
	ErrShuttingDown     = errors.New("timeline: shutting down")
	ErrLsnNotInScope    = errors.New("timeline: lsn below latest_gc_cutoff_lsn")
)

// ErrNotFound mirrors layer.ErrNotFound for timeline/tenant-scoped misses.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("timeline: %s not found", e.What) }

// ErrTimeout is returned by WaitLsn when the deadline elapses first.
type ErrTimeout struct {
	Target pageid.Lsn
}

func (e *ErrTimeout) Error() string { return fmt.Sprintf("timeline: wait_lsn(%s) timed out", e.Target) }

// ErrWalRedo wraps a redo failure verbatim.
type ErrWalRedo struct {
	Key pageid.Key
	Lsn pageid.Lsn
	Err error
}

func (e *ErrWalRedo) Error() string {
	return fmt.Sprintf("timeline: walredo failed for key=%s lsn=%s: %v", e.Key, e.Lsn, e.Err)
}
func (e *ErrWalRedo) Unwrap() error { return e.Err }

// ErrTraversal carries the path of layers visited before a get() walk
// failed to make progress, for diagnosability.
type ErrTraversal struct {
	Key  pageid.Key
	Lsn  pageid.Lsn
	Path []string
}

func (e *ErrTraversal) Error() string {
	return fmt.Sprintf("timeline: no progress reconstructing key=%s lsn=%s, path=%v", e.Key, e.Lsn, e.Path)
}

// ErrNeedsDownload surfaces a remote layer miss under DownloadBehaviorError.
// Under DownloadBehaviorWarn the remote layer is logged and skipped instead.
type ErrNeedsDownload struct {
	LayerFilename string
}

func (e *ErrNeedsDownload) Error() string {
	return fmt.Sprintf("timeline: needs download: %s", e.LayerFilename)
}

// ErrDownloadRequired is compaction's internal-only error: the outer loop
// retries once after issuing downloads, then fails.
type ErrDownloadRequired struct {
	Layers []string
}

func (e *ErrDownloadRequired) Error() string {
	return fmt.Sprintf("timeline: download required for %d layers before compaction can proceed", len(e.Layers))
}

// ErrConflict covers policy violations: branch on a nonexistent LSN,
// generation regression, and similar.
type ErrConflict struct{ Reason string }

func (e *ErrConflict) Error() string { return fmt.Sprintf("timeline: conflict: %s", e.Reason) }
