package timeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/internal/pagecache"
	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

// State is the lifecycle of a Timeline.
type State int

const (
	StateLoading State = iota
	StateActive
	StateStopping
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// DownloadBehavior is re-exported for callers building a GetRequest
// without importing internal/layer directly.
type DownloadBehavior = layer.DownloadBehavior

const (
	DownloadBehaviorDownload = layer.DownloadBehaviorDownload
	DownloadBehaviorWarn     = layer.DownloadBehaviorWarn
	DownloadBehaviorError    = layer.DownloadBehaviorError
)

// Ancestor describes a timeline's parent branch point, if any.
type Ancestor struct {
	Timeline   *Timeline
	BranchLsn  pageid.Lsn
}

// Config holds the per-timeline tunables controlling flush, compaction,
// and garbage collection.
type Config struct {
	CheckpointDistance    int64
	CheckpointTimeout     time.Duration
	GcHorizon             pageid.Lsn
	PitrInterval          time.Duration
	ImageCreationThreshold int
	TargetFileSize        int64
	CompactionHoleBudget  int
}

// DefaultConfig returns conservative out-of-the-box tunables (128MB
// checkpoint distance, 10 minute timeout, moderate GC horizon).
func DefaultConfig() Config {
	return Config{
		CheckpointDistance:     128 << 20,
		CheckpointTimeout:      10 * time.Minute,
		GcHorizon:              pageid.Lsn(64 << 20),
		PitrInterval:           7 * 24 * time.Hour,
		ImageCreationThreshold: 3,
		TargetFileSize:         256 << 20,
		CompactionHoleBudget:   4,
	}
}

// Timeline is one branch of one tenant's page history. It owns a
// LayerMap; the page cache is shared process-wide and injected in.
type Timeline struct {
	TenantID   pageid.TenantID
	TimelineID pageid.TimelineID
	Dir        string
	PgVersion  uint32

	conf Config

	mu    sync.RWMutex
	state State

	ancestor *Ancestor

	layers *layer.LayerMap
	cache  *pagecache.Cache
	redo   walredo.Manager

	// writeLock serializes begin_modification callers.
	writeLock sync.Mutex

	lastRecordLsn     SeqWait // advances on finish_write
	errWaiter         SeqWait // advances (fails) on fatal task error
	diskConsistentLsn pageid.Lsn
	prevRecordLsn     pageid.Lsn
	latestGcCutoffLsn pageid.Lsn
	initdbLsn         pageid.Lsn

	retainLsns map[pageid.Lsn]bool // branch points of child timelines

	lastFreezeAt   pageid.Lsn
	lastFreezeTime time.Time
	pendingFrozen  []*layer.InMemoryLayer
	stagedEntries  []stagedEntry
	uploads        UploadScheduler
	wanted         WantedImageLayers
	wantedRanges   map[pageid.KeyRange]bool

	// layerFlushLock and layerRemovalCs are the two per-timeline
	// singleton sections: at most one flush and at most one
	// compaction/GC pass run at a time.
	layerFlushLock sync.Mutex
	layerRemovalCs sync.Mutex

	flushGen uint64
}

// New constructs a Timeline in Loading state; callers must call Load
// before Active operations are permitted.
func New(tenant pageid.TenantID, tl pageid.TimelineID, dir string, conf Config, cache *pagecache.Cache, redo walredo.Manager) *Timeline {
	t := &Timeline{
		TenantID: tenant, TimelineID: tl, Dir: dir, conf: conf,
		state: StateLoading, layers: layer.NewLayerMap(),
		cache: cache, redo: redo, retainLsns: map[pageid.Lsn]bool{},
		wantedRanges: map[pageid.KeyRange]bool{},
	}
	t.lastRecordLsn = *NewSeqWait(pageid.InvalidLsn)
	t.errWaiter = *NewSeqWait(pageid.InvalidLsn)
	return t
}

// Load reads the metadata file, seeds last_record_lsn/disk_consistent_lsn,
// and opens a fresh in-memory layer. Ancestor loading, if any, is the
// caller's responsibility (internal/tenant recurses as needed).
func (t *Timeline) Load() error {
	metaPath := filepath.Join(t.Dir, "metadata")
	meta, err := ReadMetadataFile(metaPath)
	if err != nil {
		return fmt.Errorf("timeline %s: load metadata: %w", t.TimelineID, err)
	}

	t.mu.Lock()
	t.diskConsistentLsn = meta.DiskConsistentLsn
	t.prevRecordLsn = meta.PrevRecordLsn
	t.latestGcCutoffLsn = meta.LatestGcCutoffLsn
	t.initdbLsn = meta.InitdbLsn
	t.PgVersion = meta.PgVersion
	t.mu.Unlock()

	t.lastRecordLsn.Advance(meta.DiskConsistentLsn)

	open, err := layer.NewInMemoryLayer(t.Dir, meta.DiskConsistentLsn.Next())
	if err != nil {
		return err
	}
	t.layers.SetOpen(open)

	t.mu.Lock()
	t.state = StateActive
	t.mu.Unlock()
	log.Info("timeline: loaded", "tenant", t.TenantID, "timeline", t.TimelineID, "disk_consistent_lsn", meta.DiskConsistentLsn)
	return nil
}

// State returns the current lifecycle state.
func (t *Timeline) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetAncestor records the parent branch point (used during construction
// of a newly created or newly loaded child timeline). Passing a nil
// parent clears the ancestor link.
func (t *Timeline) SetAncestor(parent *Timeline, branchLsn pageid.Lsn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if parent == nil {
		t.ancestor = nil
		return
	}
	t.ancestor = &Ancestor{Timeline: parent, BranchLsn: branchLsn}
}

// Layers exposes the timeline's layer map for tenant-level operations
// that need to walk historic layers directly.
func (t *Timeline) Layers() *layer.LayerMap {
	return t.layers
}

// Shutdown transitions to Stopping and fails both sequence waiters so
// blocked callers observe ErrShuttingDown rather than hanging.
func (t *Timeline) Shutdown() {
	t.mu.Lock()
	t.state = StateStopping
	t.mu.Unlock()
	t.lastRecordLsn.Fail(ErrShuttingDown)
	t.errWaiter.Fail(ErrShuttingDown)
}

// LastRecordLsn returns the most recently committed write position.
func (t *Timeline) LastRecordLsn() pageid.Lsn {
	return t.lastRecordLsn.Current()
}

// LatestGcCutoffLsn returns the floor below which reads are no longer
// guaranteed to succeed.
func (t *Timeline) LatestGcCutoffLsn() pageid.Lsn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latestGcCutoffLsn
}

// DiskConsistentLsn returns the LSN up to which every write has been
// durably flushed to a local layer file.
func (t *Timeline) DiskConsistentLsn() pageid.Lsn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.diskConsistentLsn
}

// AncestorInfo reports the ancestor link, if any, for index manifest
// construction.
func (t *Timeline) AncestorInfo() (parentID pageid.TimelineID, branchLsn pageid.Lsn, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ancestor == nil {
		return pageid.TimelineID{}, 0, false
	}
	return t.ancestor.Timeline.TimelineID, t.ancestor.BranchLsn, true
}

// AddRetainLsn / RemoveRetainLsn register/unregister a child branch point
// so GC does not remove data the child still needs.
func (t *Timeline) AddRetainLsn(lsn pageid.Lsn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retainLsns[lsn] = true
}
func (t *Timeline) RemoveRetainLsn(lsn pageid.Lsn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.retainLsns, lsn)
}

// WaitLsn blocks until LastRecordLsn() >= target or ctx/timeout expires.
// Must not be called from the WAL-receiver task for this timeline, since
// that task is the only thing that can advance LastRecordLsn.
func (t *Timeline) WaitLsn(ctx context.Context, target pageid.Lsn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := t.lastRecordLsn.Wait(ctx, target); err != nil {
		if ctx.Err() != nil && t.lastRecordLsn.Current() < target {
			return &ErrTimeout{Target: target}
		}
		return err
	}
	return nil
}

// GetRequest bundles the optional knobs of a get-page-at-LSN call.
type GetRequest struct {
	Key              pageid.Key
	Lsn              pageid.Lsn
	DownloadBehavior DownloadBehavior
}

// Get performs a get-page-at-LSN read: page-cache check, ancestor
// descent, layer-stack walk, external redo, memoization.
func (t *Timeline) Get(ctx context.Context, req GetRequest) ([]byte, error) {
	if req.Lsn < t.LatestGcCutoffLsn() {
		return nil, ErrLsnNotInScope
	}

	if cachedLsn, g, ok := t.cache.LookupMaterialized(t.TenantID, t.TimelineID, req.Key, req.Lsn); ok {
		if cachedLsn == req.Lsn {
			defer g.Release()
			return append([]byte(nil), g.Bytes()...), nil
		}
		g.Release()
	}

	state := &layer.ReconstructState{}
	result, path, err := t.reconstructWalk(ctx, req, state)
	if err != nil {
		return nil, err
	}
	if result != layer.ResultComplete {
		getMissMeter.Mark(1)
		traversalErrMeter.Mark(1)
		return nil, &ErrTraversal{Key: req.Key, Lsn: req.Lsn, Path: path}
	}

	start := time.Now()
	img, err := t.redo.Redo(ctx, req.Key, req.Lsn, state.Img, state.Reversed())
	walRedoTimer.UpdateSince(start)
	if err != nil {
		return nil, &ErrWalRedo{Key: req.Key, Lsn: req.Lsn, Err: err}
	}

	if len(img) == pageid.PageSize {
		if wg, ierr := t.cache.InsertMaterialized(t.TenantID, t.TimelineID, req.Key, req.Lsn); ierr == nil {
			copy(wg.Bytes(), img)
			wg.MarkValid()
			wg.Release()
		}
	}
	return img, nil
}

// reconstructWalk walks open -> frozen -> historic layers, descending into
// the ancestor when cont_lsn crosses the branch point, enforcing progress
// (prev_lsn > cont_lsn each step).
func (t *Timeline) reconstructWalk(ctx context.Context, req GetRequest, state *layer.ReconstructState) (layer.ReconstructResult, []string, error) {
	var path []string
	tl := t
	contLsn := req.Lsn.Next()
	prevLsn := pageid.MaxLsn

walk:
	for {
		tl.mu.RLock()
		ancestor := tl.ancestor
		tl.mu.RUnlock()

		if ancestor != nil && contLsn.Prev() <= ancestor.BranchLsn {
			if ancestor.Timeline.State() == StateStopping {
				return layer.ResultMissing, path, ErrAncestorStopping
			}
			if err := ancestor.Timeline.WaitLsn(ctx, ancestor.BranchLsn, 0); err != nil {
				return layer.ResultMissing, path, err
			}
			tl = ancestor.Timeline
			prevLsn = pageid.MaxLsn
			continue
		}

		stack := tl.layers.SearchStack(req.Key, contLsn.Prev())
		progressed := false
		for _, l := range stack {
			if rl, ok := l.(*layer.RemoteLayer); ok {
				switch req.DownloadBehavior {
				case DownloadBehaviorDownload:
					dest := filepath.Join(tl.Dir, rl.ID())
					local, err := rl.Materialize(ctx, dest)
					if err != nil {
						return layer.ResultMissing, path, err
					}
					// install the materialized layer in place of its remote
					// placeholder, then search this level again.
					batch := tl.layers.BatchUpdates()
					batch.Replace(rl.ID(), local)
					if err := batch.Flush(); err != nil {
						return layer.ResultMissing, path, err
					}
					continue walk
				case DownloadBehaviorWarn:
					log.Warn("timeline: skipping remote layer under Warn policy", "layer", rl.ID())
					continue
				default:
					return layer.ResultMissing, path, &ErrNeedsDownload{LayerFilename: rl.ID()}
				}
			}

			path = append(path, l.ID())
			res, err := l.GetValueReconstructData(req.Key, pageid.LsnRange{Lo: 0, Hi: contLsn}, state)
			if err != nil {
				return layer.ResultMissing, path, err
			}
			switch res {
			case layer.ResultComplete:
				return layer.ResultComplete, path, nil
			case layer.ResultContinue:
				lo, _ := l.LsnRange()
				contLsn = lo
				progressed = true
			case layer.ResultMissing:
				continue
			}
			if prevLsn <= contLsn {
				return layer.ResultMissing, path, &ErrTraversal{Key: req.Key, Lsn: req.Lsn, Path: path}
			}
			prevLsn = contLsn
		}
		if !progressed {
			if ancestor == nil {
				return layer.ResultMissing, path, nil
			}
			// nothing found at this level above the ancestor lsn; fall
			// through to ancestor on the next loop iteration by forcing
			// cont_lsn down to the branch point.
			contLsn = ancestor.BranchLsn.Next()
			continue
		}
	}
}
