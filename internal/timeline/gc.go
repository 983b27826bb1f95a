package timeline

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// WantedImageLayers records key ranges that failed GC condition 4 (no
// covering image yet) so the next compaction creates one. Persisted by
// internal/tenant's sidecar store; Timeline also records each range in its
// own in-memory wantedRanges set, which is only ever added to.
type WantedImageLayers interface {
	RecordWanted(timeline pageid.TimelineID, kr pageid.KeyRange)
}

func (t *Timeline) SetWantedImageLayers(w WantedImageLayers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wanted = w
}

// markWanted records kr both in the in-memory set compaction consults
// immediately and, if a persistence backend is wired, durably.
func (t *Timeline) markWanted(kr pageid.KeyRange) {
	t.mu.Lock()
	t.wantedRanges[kr] = true
	w := t.wanted
	t.mu.Unlock()
	if w != nil {
		w.RecordWanted(t.TimelineID, kr)
	}
}

// GcResult summarizes one GC pass, returned to callers for logging/metrics.
type GcResult struct {
	LayersRemoved int
	NewGcCutoff   pageid.Lsn
}

// RunGc computes the new gc cutoff, and if it advances, scans historic
// layers under layerRemovalCs and removes every layer satisfying all
// four removal conditions.
func (t *Timeline) RunGc(pitrCutoff pageid.Lsn, awaitUploads func() error) (GcResult, error) {
	start := time.Now()
	defer func() { gcTimer.UpdateSince(start) }()

	t.mu.RLock()
	lastRecordLsn := t.lastRecordLsn.Current()
	latestCutoff := t.latestGcCutoffLsn
	retain := make([]pageid.Lsn, 0, len(t.retainLsns))
	for r := range t.retainLsns {
		retain = append(retain, r)
	}
	t.mu.RUnlock()

	var horizonCutoff pageid.Lsn
	if uint64(lastRecordLsn) > uint64(t.conf.GcHorizon) {
		horizonCutoff = lastRecordLsn - t.conf.GcHorizon
	}
	newCutoff := horizonCutoff
	if pitrCutoff < newCutoff {
		newCutoff = pitrCutoff
	}

	if newCutoff <= latestCutoff {
		return GcResult{NewGcCutoff: latestCutoff}, nil
	}

	t.layerRemovalCs.Lock()
	defer t.layerRemovalCs.Unlock()

	if awaitUploads != nil {
		if err := awaitUploads(); err != nil {
			return GcResult{}, fmt.Errorf("timeline: gc: await uploads: %w", err)
		}
	}

	// Persist the advanced cutoff before deleting anything, so a crash
	// cannot resurrect readers below it.
	t.mu.Lock()
	t.latestGcCutoffLsn = newCutoff
	t.mu.Unlock()
	if err := t.persistMetadata(); err != nil {
		return GcResult{}, err
	}

	candidates := t.layers.IterHistoricLayers()
	var toRemove []layer.Layer
	for _, l := range candidates {
		dl, isDelta := l.(*layer.DeltaLayer)
		_, isImage := l.(*layer.ImageLayer)
		if !isDelta && !isImage {
			continue // remote placeholders are never GC'd directly
		}
		_, hi := l.LsnRange()
		lo, _ := l.LsnRange()

		if hi > horizonCutoff || hi > pitrCutoff {
			continue
		}
		retained := false
		for _, r := range retain {
			if lo <= r {
				retained = true
				break
			}
		}
		if retained {
			continue
		}
		imgLsn, covered := t.layers.ImageCoverage(l.KeyRange())
		if !covered || !(imgLsn > hi && imgLsn <= newCutoff) {
			if isDelta && !dl.IsL0() {
				t.markWanted(l.KeyRange())
			}
			continue
		}
		toRemove = append(toRemove, l)
	}

	batch := t.layers.BatchUpdates()
	for _, l := range toRemove {
		batch.RemoveHistoric(l.ID())
	}
	if err := batch.Flush(); err != nil {
		return GcResult{}, err
	}
	for _, l := range toRemove {
		if d, ok := l.(*layer.DeltaLayer); ok {
			_ = d.Delete()
		} else if im, ok := l.(*layer.ImageLayer); ok {
			_ = im.Delete()
		}
	}

	gcLayersRemoved.Mark(int64(len(toRemove)))
	log.Info("timeline: gc complete", "timeline", t.TimelineID, "removed", len(toRemove), "new_cutoff", newCutoff)
	return GcResult{LayersRemoved: len(toRemove), NewGcCutoff: newCutoff}, nil
}
