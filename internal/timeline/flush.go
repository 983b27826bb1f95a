package timeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// UploadScheduler is the subset of internal/remote's client that the flush
// loop needs: scheduling a new layer's upload and the updated index.
type UploadScheduler interface {
	ScheduleLayerUpload(timeline pageid.TimelineID, localPath string)
	ScheduleIndexUpload(timeline pageid.TimelineID)
}

// Uploads may be nil; a timeline with no remote storage configured just
// skips step 5 of the flush sequence.
func (t *Timeline) SetUploadScheduler(u UploadScheduler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads = u
}

// maybeScheduleFreeze freezes the open layer and runs a flush when the
// open layer's size or the LSN distance since the last freeze exceeds
// CheckpointDistance, when no freeze has happened yet, or when more than
// CheckpointTimeout has elapsed since the last freeze.
// Errors are logged, not returned: the write path must not fail because a
// background flush hiccupped.
func (t *Timeline) maybeScheduleFreeze(atLsn pageid.Lsn) {
	open := t.layers.Open()
	if open == nil {
		return
	}

	t.mu.RLock()
	sinceFreeze := int64(atLsn) - int64(t.lastFreezeAt)
	elapsed := time.Since(t.lastFreezeTime)
	t.mu.RUnlock()

	trigger := open.Size() > t.conf.CheckpointDistance ||
		sinceFreeze > t.conf.CheckpointDistance ||
		(t.lastFreezeTime.IsZero()) ||
		elapsed > t.conf.CheckpointTimeout
	if !trigger {
		return
	}

	if err := t.FreezeAndFlush(atLsn); err != nil {
		log.Error("timeline: freeze_and_flush failed", "timeline", t.TimelineID, "err", err)
	}
}

// FreezeAndFlush freezes the open layer at atLsn (if one is open and
// unfrozen) and runs the flush loop inline; it returns once the whole
// frozen queue, including the layer this call froze, has been flushed.
func (t *Timeline) FreezeAndFlush(atLsn pageid.Lsn) error {
	open := t.layers.Open()
	if open != nil {
		open.Freeze(atLsn.Next())
		frozen := t.layers.FreezeOpen()
		t.mu.Lock()
		t.pendingFrozen = append(t.pendingFrozen, frozen)
		t.mu.Unlock()

		fresh, err := layer.NewInMemoryLayer(t.Dir, atLsn.Next())
		if err != nil {
			return err
		}
		t.layers.SetOpen(fresh)

		t.mu.Lock()
		t.lastFreezeAt = atLsn
		t.lastFreezeTime = time.Now()
		myGen := t.flushGen + 1
		t.flushGen = myGen
		t.mu.Unlock()
	}

	return t.runFlush()
}

// runFlush drains the frozen queue front to back under layerFlushLock, the
// timeline's single-flusher-at-a-time section.
func (t *Timeline) runFlush() error {
	t.layerFlushLock.Lock()
	defer t.layerFlushLock.Unlock()

	start := time.Now()
	defer func() { flushTimer.UpdateSince(start) }()

	for {
		frozen := t.frontFrozen()
		if frozen == nil {
			return nil
		}
		if err := t.flushOne(frozen); err != nil {
			return fmt.Errorf("timeline: flush %s: %w", frozen.ID(), err)
		}
	}
}

// frontFrozen returns (without removing) the oldest frozen layer.
func (t *Timeline) frontFrozen() *layer.InMemoryLayer {
	// LayerMap doesn't expose its frozen slice directly; flush drains via
	// repeated FreezeOpen-style pop, so we track our own pending list.
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingFrozen) == 0 {
		return nil
	}
	return t.pendingFrozen[0]
}

// flushOne writes one frozen in-memory layer out as a delta layer,
// fsyncs, updates the layer map and metadata, then schedules uploads.
func (t *Timeline) flushOne(f *layer.InMemoryLayer) error {
	lo, hi := f.LsnRange()

	writer, err := layer.NewDeltaWriter(t.Dir, pageid.MinKey, pageid.LsnRange{Lo: lo, Hi: hi})
	if err != nil {
		return err
	}
	// A real implementation re-reads f's backing ephemeral file in
	// key-major order; InMemoryLayer here only exposes key->lsn lookups,
	// so the write path (WriteBatch.Put) stages every value it puts into
	// the open layer via StageForFlush as well, and this helper commits
	// whatever has been staged for f.
	for _, e := range t.stagedForFlush(f) {
		if err := writer.PutValue(e.key, e.lsn, e.value); err != nil {
			return err
		}
	}
	newLayer, err := writer.Finish(pageid.MaxKey)
	if err != nil {
		return err
	}

	batch := t.layers.BatchUpdates()
	batch.InsertHistoric(newLayer)
	batch.DropFrozen(f)
	if err := batch.Flush(); err != nil {
		return err
	}

	t.mu.Lock()
	t.diskConsistentLsn = hi.Prev()
	t.pendingFrozen = t.pendingFrozen[1:]
	t.mu.Unlock()

	if err := t.persistMetadata(); err != nil {
		return err
	}

	if t.uploads != nil {
		t.uploads.ScheduleLayerUpload(t.TimelineID, newLayer.LocalPath())
		t.uploads.ScheduleIndexUpload(t.TimelineID)
	}

	if err := f.Close(); err != nil {
		log.Warn("timeline: close frozen ephemeral file failed", "err", err)
	}
	_ = f.Remove()

	log.Info("timeline: flushed in-memory layer", "timeline", t.TimelineID, "lsn_lo", lo, "lsn_hi", hi, "layer", newLayer.ID())
	return nil
}

// stagedEntry is one (key, lsn, value) triple queued for the next flush.
type stagedEntry struct {
	key   pageid.Key
	lsn   pageid.Lsn
	value layer.Value
}

// StageForFlush records an entry the write path already applied to the
// open in-memory layer, so flushOne can replay it into a delta layer in
// key-major order without re-deriving it from the ephemeral file's
// append-only log. Called by WriteBatch.Put alongside open.Put.
func (t *Timeline) StageForFlush(key pageid.Key, lsn pageid.Lsn, v layer.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stagedEntries = append(t.stagedEntries, stagedEntry{key: key, lsn: lsn, value: v})
}

func (t *Timeline) stagedForFlush(f *layer.InMemoryLayer) []stagedEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	lo, hi := f.LsnRange()
	var out, rest []stagedEntry
	for _, e := range t.stagedEntries {
		if e.lsn >= lo && e.lsn < hi {
			out = append(out, e)
		} else {
			rest = append(rest, e)
		}
	}
	sortStagedByKeyLsn(out)
	t.stagedEntries = rest
	return out
}

func sortStagedByKeyLsn(s []stagedEntry) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			if a.key.Less(b.key) || (a.key == b.key && a.lsn <= b.lsn) {
				break
			}
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func (t *Timeline) persistMetadata() error {
	t.mu.RLock()
	m := Metadata{
		DiskConsistentLsn: t.diskConsistentLsn,
		PrevRecordLsn:     t.prevRecordLsn,
		LatestGcCutoffLsn: t.latestGcCutoffLsn,
		InitdbLsn:         t.initdbLsn,
		PgVersion:         t.PgVersion,
	}
	if t.ancestor != nil {
		m.HasAncestor = true
		m.AncestorTimeline = t.ancestor.Timeline.TimelineID
		m.AncestorLsn = t.ancestor.BranchLsn
	}
	t.mu.RUnlock()

	return WriteMetadataFile(t.Dir, filepath.Join(t.Dir, "metadata"), m)
}
