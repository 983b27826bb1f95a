package layer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// DownloadBehavior controls what a get-page walk does when it needs data
// from a layer that is not resident on local disk.
type DownloadBehavior int

const (
	// DownloadBehaviorDownload blocks the walk on an on-demand download.
	DownloadBehaviorDownload DownloadBehavior = iota
	// DownloadBehaviorWarn logs and returns ResultMissing rather than
	// blocking; used by background tasks that can tolerate gaps.
	DownloadBehaviorWarn
	// DownloadBehaviorError fails the walk outright; used by paths that
	// must never touch the network (e.g. some compaction planning reads).
	DownloadBehaviorError
)

// Downloader fetches a remote layer's bytes into a local path. Bound to a
// concrete object-store client by the caller (internal/remote).
type Downloader interface {
	DownloadLayer(ctx context.Context, layerID string, destPath string) error
}

// RemoteLayer is a layer known from the remote index but not (yet)
// materialized on local disk.
// Once downloaded it is replaced in the layer map by the corresponding
// DeltaLayer/ImageLayer.
type RemoteLayer struct {
	id       string
	kind     Kind // KindDelta or KindImage, whichever this remote object is
	keyRange pageid.KeyRange
	lsnLo    pageid.Lsn
	lsnHi    pageid.Lsn
	fileSize int64

	mu         sync.Mutex
	downloader Downloader
}

// NewRemoteLayer constructs a placeholder for a layer listed in the
// timeline's remote index but absent locally.
func NewRemoteLayer(id string, kind Kind, kr pageid.KeyRange, lsnLo, lsnHi pageid.Lsn, fileSize int64, dl Downloader) *RemoteLayer {
	return &RemoteLayer{id: id, kind: kind, keyRange: kr, lsnLo: lsnLo, lsnHi: lsnHi, fileSize: fileSize, downloader: dl}
}

func (r *RemoteLayer) ID() string                { return r.id }
func (r *RemoteLayer) Kind() Kind                { return r.kind }
func (r *RemoteLayer) KeyRange() pageid.KeyRange { return r.keyRange }
func (r *RemoteLayer) LsnRange() (pageid.Lsn, pageid.Lsn) { return r.lsnLo, r.lsnHi }
func (r *RemoteLayer) FileSize() int64           { return r.fileSize }
func (r *RemoteLayer) IsRemote() bool            { return true }
func (r *RemoteLayer) LocalPath() string         { return "" }

// ErrNeedsDownload signals the walk must resolve a remote layer (download
// it, or fail/skip per the caller's DownloadBehavior) before it can
// contribute reconstruct data.
type ErrNeedsDownload struct {
	LayerID string
}

func (e *ErrNeedsDownload) Error() string {
	return fmt.Sprintf("layer: %s is remote, not resident locally", e.LayerID)
}

// GetValueReconstructData never resolves directly: the timeline's walk
// must call Materialize first.
func (r *RemoteLayer) GetValueReconstructData(key pageid.Key, lsnRange pageid.LsnRange, state *ReconstructState) (ReconstructResult, error) {
	if !r.keyRange.Contains(key) {
		return ResultMissing, nil
	}
	return ResultMissing, &ErrNeedsDownload{LayerID: r.id}
}

// Materialize downloads the remote object to destPath and returns the
// opened local Layer, leaving the RemoteLayer placeholder untouched (the
// caller swaps it out of the layer map via a BatchedUpdates.Replace).
func (r *RemoteLayer) Materialize(ctx context.Context, destPath string) (Layer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downloader == nil {
		return nil, fmt.Errorf("layer: %s: no downloader configured", r.id)
	}
	if err := r.downloader.DownloadLayer(ctx, r.id, destPath); err != nil {
		return nil, err
	}
	remoteDownloadMeter.Mark(1)
	switch r.kind {
	case KindDelta:
		return OpenDeltaLayer(destPath)
	case KindImage:
		return OpenImageLayer(destPath)
	default:
		return nil, fmt.Errorf("layer: %s: unexpected remote layer kind %s", r.id, r.kind)
	}
}
