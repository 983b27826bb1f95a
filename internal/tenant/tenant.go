// Package tenant implements the per-tenant owner of a timeline DAG:
// lazy timeline loading, branch creation serialized against GC, and
// the detach-ancestor operation.
package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/internal/remote"
	"github.com/pagestore/pageserver/internal/tenant/sidecar"
	"github.com/pagestore/pageserver/internal/timeline"
	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

// slot is a lazily-materialized timeline handle: list_timelines can report
// presence without loading.
type slot struct {
	once sync.Once
	err  error
	tl   *timeline.Timeline

	id           pageid.TimelineID
	ancestorID   pageid.TimelineID
	hasAncestor  bool
	ancestorLsn  pageid.Lsn
}

// Tenant owns every timeline of one tenant plus the cross-cutting state
// branch creation and GC must serialize against.
type Tenant struct {
	ID   pageid.TenantID
	Dir  string
	conf timeline.Config
	redo walredo.Manager
	// newTimeline lets the tenant hand every loaded timeline the same
	// process-wide page cache without importing internal/pagecache's
	// concrete type here (kept as an opaque constructor argument to New).
	newTimeline func(id pageid.TimelineID, dir string, conf timeline.Config) *timeline.Timeline

	gcCs sync.Mutex // serializes branch creation vs. GC planning

	mu      sync.RWMutex
	slots   map[pageid.TimelineID]*slot

	sidecar *sidecar.Store
	remote  *remote.Client
}

// SetRemoteClient wires a remote upload/download client; every timeline
// loaded after this call (and any already loaded) gets it as its
// UploadScheduler.
func (t *Tenant) SetRemoteClient(c *remote.Client) {
	t.mu.Lock()
	t.remote = c
	slots := make([]*slot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.Unlock()
	for _, s := range slots {
		if s.tl != nil {
			s.tl.SetUploadScheduler(c)
		}
	}
}

// New constructs a Tenant. newTimelineFn must build and return a fresh,
// not-yet-loaded *timeline.Timeline wired to the process's shared page
// cache and redo manager.
func New(id pageid.TenantID, dir string, conf timeline.Config, redo walredo.Manager,
	newTimelineFn func(id pageid.TimelineID, dir string, conf timeline.Config) *timeline.Timeline) (*Tenant, error) {
	sc, err := sidecar.Open(filepath.Join(dir, "sidecar"))
	if err != nil {
		return nil, err
	}
	t := &Tenant{
		ID: id, Dir: dir, conf: conf, redo: redo,
		newTimeline: newTimelineFn,
		slots:       map[pageid.TimelineID]*slot{},
		sidecar:     sc,
	}
	return t, nil
}

// Close releases the tenant's sidecar store.
func (t *Tenant) Close() error { return t.sidecar.Close() }

// DiscoverTimelines scans <tenant_dir>/timelines for directories and
// registers a lazy slot for each, reading just enough of the metadata
// file (ancestor pointer) to answer ListTimelines without a full load.
func (t *Tenant) DiscoverTimelines() error {
	root := filepath.Join(t.Dir, "timelines")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := pageid.ParseTimelineID(e.Name())
		if err != nil {
			continue
		}
		meta, err := timeline.ReadMetadataFile(filepath.Join(root, e.Name(), "metadata"))
		if err != nil {
			log.Warn("tenant: skipping timeline with unreadable metadata", "timeline", id, "err", err)
			continue
		}
		t.slots[id] = &slot{id: id, ancestorID: meta.AncestorTimeline, hasAncestor: meta.HasAncestor, ancestorLsn: meta.AncestorLsn}
	}
	return nil
}

// ListTimelines reports every known timeline id without materializing
// any of them.
func (t *Tenant) ListTimelines() []pageid.TimelineID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]pageid.TimelineID, 0, len(t.slots))
	for id := range t.slots {
		out = append(out, id)
	}
	return out
}

// GetTimeline returns the loaded Timeline for id, loading it (and its
// ancestor chain, recursively) on first access.
func (t *Tenant) GetTimeline(id pageid.TimelineID) (*timeline.Timeline, error) {
	t.mu.RLock()
	s, ok := t.slots[id]
	t.mu.RUnlock()
	if !ok {
		return nil, &timeline.ErrNotFound{What: fmt.Sprintf("timeline %s", id)}
	}

	s.once.Do(func() {
		dir := filepath.Join(t.Dir, "timelines", id.String())
		tl := t.newTimeline(id, dir, t.conf)
		if err := tl.Load(); err != nil {
			s.err = err
			return
		}
		if s.hasAncestor {
			parent, err := t.GetTimeline(s.ancestorID)
			if err != nil {
				s.err = fmt.Errorf("tenant: loading ancestor %s: %w", s.ancestorID, err)
				return
			}
			tl.SetAncestor(parent, s.ancestorLsn)
			parent.AddRetainLsn(s.ancestorLsn)
		}
		tl.SetWantedImageLayers(&wantedAdapter{store: t.sidecar})
		t.mu.RLock()
		rc := t.remote
		t.mu.RUnlock()
		if rc != nil {
			tl.SetUploadScheduler(rc)
		}
		s.tl = tl
	})
	if s.err != nil {
		return nil, s.err
	}
	return s.tl, nil
}

// CurrentIndexPart implements remote.IndexProvider: builds the manifest
// for tl's live state at the moment a scheduled index upload drains.
func (t *Tenant) CurrentIndexPart(tl pageid.TimelineID) (*remote.IndexPart, error) {
	tlObj, err := t.GetTimeline(tl)
	if err != nil {
		return nil, err
	}
	ip := remote.NewIndexPart(t.ID, tl)
	ip.DiskConsistentLsn = tlObj.DiskConsistentLsn()
	ip.LatestGcCutoffLsn = tlObj.LatestGcCutoffLsn()
	if parent, branchLsn, ok := tlObj.AncestorInfo(); ok {
		ip.HasAncestor = true
		ip.AncestorTimeline = parent
		ip.AncestorLsn = branchLsn
	}
	for _, l := range tlObj.Layers().IterHistoricLayers() {
		if l.IsRemote() {
			continue
		}
		ip.Layers[l.ID()] = remote.LayerEntry{FileSize: l.FileSize()}
	}
	return ip, nil
}

type wantedAdapter struct{ store *sidecar.Store }

func (w *wantedAdapter) RecordWanted(tl pageid.TimelineID, kr pageid.KeyRange) {
	if err := w.store.RecordWanted(tl, kr); err != nil {
		log.Warn("tenant: failed to persist wanted image layer range", "timeline", tl, "err", err)
	}
}

// BranchTimeline creates a new child timeline diverging from parent at
// startLsn (or parent's current last_record_lsn if startLsn is
// pageid.InvalidLsn).
func (t *Tenant) BranchTimeline(ctx context.Context, parentID pageid.TimelineID, startLsn pageid.Lsn) (pageid.TimelineID, error) {
	t.gcCs.Lock()
	defer t.gcCs.Unlock()

	parent, err := t.GetTimeline(parentID)
	if err != nil {
		return pageid.TimelineID{}, err
	}

	if startLsn == pageid.InvalidLsn {
		startLsn = parent.LastRecordLsn()
	}
	if startLsn < parent.LatestGcCutoffLsn() {
		return pageid.TimelineID{}, &timeline.ErrConflict{Reason: fmt.Sprintf("start_lsn %s below latest_gc_cutoff_lsn %s", startLsn, parent.LatestGcCutoffLsn())}
	}

	newID := pageid.NewTimelineID()
	dir := filepath.Join(t.Dir, "timelines", newID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pageid.TimelineID{}, err
	}

	meta := timeline.Metadata{
		DiskConsistentLsn: startLsn,
		HasAncestor:       true,
		AncestorTimeline:  parentID,
		AncestorLsn:       startLsn,
		PgVersion:         parent.PgVersion,
	}
	if err := timeline.WriteMetadataFile(dir, filepath.Join(dir, "metadata"), meta); err != nil {
		return pageid.TimelineID{}, err
	}

	t.mu.Lock()
	t.slots[newID] = &slot{id: newID, ancestorID: parentID, hasAncestor: true, ancestorLsn: startLsn}
	t.mu.Unlock()

	parent.AddRetainLsn(startLsn)
	log.Info("tenant: created branch", "tenant", t.ID, "parent", parentID, "child", newID, "start_lsn", startLsn)
	return newID, nil
}

// detachCopyPrefix copies the part of src at or below ancestorLsn into a
// new delta layer in dst's directory and returns that layer.
func (t *Tenant) detachCopyPrefix(dst *timeline.Timeline, src *layer.DeltaLayer, ancestorLsn pageid.Lsn) (*layer.DeltaLayer, error) {
	lo, _ := src.LsnRange()
	if lo > ancestorLsn {
		return nil, fmt.Errorf("tenant: detach-ancestor: layer %s does not straddle ancestor_lsn", src.ID())
	}
	w, err := layer.NewDeltaWriter(dst.Dir, src.KeyRange().Lo, pageid.LsnRange{Lo: lo, Hi: ancestorLsn.Next()})
	if err != nil {
		return nil, err
	}
	kr := src.KeyRange()
	for k := kr.Lo; k.Less(kr.Hi); k = k.NextKey() {
		state := &layer.ReconstructState{}
		res, err := src.GetValueReconstructData(k, pageid.LsnRange{Lo: lo, Hi: ancestorLsn.Next()}, state)
		if err != nil {
			return nil, err
		}
		if res != layer.ResultMissing && state.Img != nil {
			if err := w.PutValue(k, lo, layer.Value{IsImage: true, Image: state.Img}); err != nil {
				return nil, err
			}
		}
		for _, r := range state.Reversed() {
			if err := w.PutValue(k, ancestorLsn, layer.Value{Record: r}); err != nil {
				return nil, err
			}
		}
		if k == kr.Hi.Prev() {
			break
		}
	}
	return w.Finish(kr.Hi)
}

// DetachAncestor severs a timeline from its parent branch. A persisted
// resume marker makes a retry after a completed run a no-op; a retry
// after an interrupted run repeats every step, the layer copies included.
func (t *Tenant) DetachAncestor(ctx context.Context, id pageid.TimelineID) error {
	tl, err := t.GetTimeline(id)
	if err != nil {
		return err
	}
	st, found, err := t.sidecar.LoadDetachState(id)
	if err != nil {
		return err
	}
	if found && st.GcBlockingReason == "done" {
		return nil // already completed; idempotent no-op
	}

	t.mu.RLock()
	s := t.slots[id]
	t.mu.RUnlock()
	if s == nil || !s.hasAncestor {
		return &timeline.ErrConflict{Reason: "timeline has no ancestor to detach from"}
	}

	if err := t.sidecar.SaveDetachState(id, sidecar.DetachAncestorState{GcBlockingReason: "detach_ancestor in progress"}); err != nil {
		return err
	}

	ancestor, err := t.GetTimeline(s.ancestorID)
	if err != nil {
		return err
	}

	for _, l := range ancestor.Layers().IterHistoricLayers() {
		dl, ok := l.(*layer.DeltaLayer)
		if !ok {
			continue
		}
		lo, hi := dl.LsnRange()
		if lo <= s.ancestorLsn && s.ancestorLsn < hi {
			if _, err := t.detachCopyPrefix(tl, dl, s.ancestorLsn); err != nil {
				return fmt.Errorf("tenant: detach-ancestor: copy straddling layer %s: %w", dl.ID(), err)
			}
		}
	}

	t.mu.Lock()
	s.hasAncestor = false
	t.mu.Unlock()
	tl.SetAncestor(nil, 0)

	if err := t.reparentChildren(id, s.ancestorID, s.ancestorLsn); err != nil {
		return err
	}

	if err := t.sidecar.SaveDetachState(id, sidecar.DetachAncestorState{
		HasPrevious: true, DetachedPreviousAncestor: s.ancestorID, GcBlockingReason: "done",
	}); err != nil {
		return err
	}
	log.Info("tenant: detach-ancestor complete", "tenant", t.ID, "timeline", id, "previous_ancestor", s.ancestorID)
	return nil
}

// reparentChildren re-parents every direct child of oldAncestor whose
// branch point is at or below ancestorLsn onto newParent.
func (t *Tenant) reparentChildren(newParentID, oldAncestorID pageid.TimelineID, ancestorLsn pageid.Lsn) error {
	t.mu.RLock()
	var children []*slot
	for _, s := range t.slots {
		if s.hasAncestor && s.ancestorID == oldAncestorID && s.ancestorLsn <= ancestorLsn && s.id != newParentID {
			children = append(children, s)
		}
	}
	t.mu.RUnlock()

	for _, c := range children {
		c.ancestorID = newParentID
		if c.tl != nil {
			newParent, err := t.GetTimeline(newParentID)
			if err != nil {
				return err
			}
			c.tl.SetAncestor(newParent, c.ancestorLsn)
		}
		metaPath := filepath.Join(t.Dir, "timelines", c.id.String(), "metadata")
		meta, err := timeline.ReadMetadataFile(metaPath)
		if err != nil {
			return err
		}
		meta.AncestorTimeline = newParentID
		if err := timeline.WriteMetadataFile(filepath.Dir(metaPath), metaPath, meta); err != nil {
			return err
		}
		log.Info("tenant: reparented child", "child", c.id, "new_parent", newParentID)
	}
	return nil
}
