package timeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// forkVisibilityMap / forkFreeSpaceMap identify the page kinds that
// may be substituted with a zero page on reconstruction failure during
// image creation. Field5 mirrors Postgres's fork-number convention:
// 1 = visibility map, 2 = free-space map.
const (
	forkVisibilityMap uint8 = 1
	forkFreeSpaceMap  uint8 = 2
)

func isSubstitutableFork(k pageid.Key) bool {
	return k.Field5 == forkVisibilityMap || k.Field5 == forkFreeSpaceMap
}

// Compact runs both compaction phases once, retrying the whole pass
// exactly one more time if either phase needed a remote layer that
// wasn't resident locally. It is idempotent: a second call with no new
// L0 inputs finds nothing to do and returns nil.
func (t *Timeline) Compact(ctx context.Context) error {
	start := time.Now()
	defer func() { compactTimer.UpdateSince(start) }()

	t.layerRemovalCs.Lock()
	defer t.layerRemovalCs.Unlock()

	if err := t.compactOnce(ctx); err != nil {
		dr, ok := err.(*ErrDownloadRequired)
		if !ok {
			return err
		}
		if err := t.materializeForRetry(ctx, dr); err != nil {
			return fmt.Errorf("timeline: compaction retry: %w", err)
		}
		return t.compactOnce(ctx)
	}
	return nil
}

func (t *Timeline) compactOnce(ctx context.Context) error {
	if err := t.compactPhase1Images(ctx); err != nil {
		return err
	}
	return t.compactPhase2L0s(ctx)
}

// materializeForRetry downloads every remote layer named by dr and swaps
// each one into the layer map, so the retried compaction pass finds them
// resident locally.
func (t *Timeline) materializeForRetry(ctx context.Context, dr *ErrDownloadRequired) error {
	byID := map[string]*layer.RemoteLayer{}
	for _, l := range t.layers.IterHistoricLayers() {
		if rl, ok := l.(*layer.RemoteLayer); ok {
			byID[rl.ID()] = rl
		}
	}

	batch := t.layers.BatchUpdates()
	for _, id := range dr.Layers {
		rl, ok := byID[id]
		if !ok {
			return fmt.Errorf("timeline: compaction: layer %s not a remote layer", id)
		}
		log.Info("timeline: compaction materializing layer for retry", "timeline", t.TimelineID, "layer", id)
		dest := filepath.Join(t.Dir, rl.ID())
		local, err := rl.Materialize(ctx, dest)
		if err != nil {
			return err
		}
		batch.Replace(id, local)
	}
	return batch.Flush()
}

// compactPhase1Images builds a keyspace partitioning and creates new
// image layers where either a prior GC recorded the range in
// wanted_image_layers with no fresher image, or the delta count over the
// partition crosses image_creation_threshold.
func (t *Timeline) compactPhase1Images(ctx context.Context) error {
	lastRecordLsn := t.LastRecordLsn()
	partitions := t.partitionKeyspace()

	for _, part := range partitions {
		if t.layers.ImageLayerExists(part, lastRecordLsn) {
			continue
		}
		needsImage := t.rangeIsWanted(part)
		if !needsImage {
			// sample the partition's low key as a proxy for delta density;
			// a production partitioner would track per-partition counts.
			if t.layers.CountDeltas(part.Lo, 0) >= t.conf.ImageCreationThreshold {
				needsImage = true
			}
		}
		if !needsImage {
			continue
		}
		if err := t.createImageLayer(ctx, part, lastRecordLsn); err != nil {
			return err
		}
	}
	return nil
}

// partitionKeyspace returns the partitioning used for image-creation
// planning, built from the keys actually present in the layer map. A
// minimal single-partition split spanning the observed keys is
// sufficient for correctness; finer partitioning is purely a
// performance optimization, left out here. An empty timeline has no
// keys and therefore no partitions.
func (t *Timeline) partitionKeyspace() []pageid.KeyRange {
	keys := t.layers.DistinctKeys(pageid.KeyRange{Lo: pageid.MinKey, Hi: pageid.MaxKey})
	if len(keys) == 0 {
		return nil
	}
	return []pageid.KeyRange{{Lo: keys[0], Hi: keys[len(keys)-1].NextKey()}}
}

func (t *Timeline) rangeIsWanted(kr pageid.KeyRange) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.wantedRanges[kr]
}

// createImageLayer reconstructs every key in kr at lsn and writes an image
// layer. visibility-map/free-space-map reconstruction failures are
// replaced with a zero page and logged; any other key's failure
// propagates.
func (t *Timeline) createImageLayer(ctx context.Context, kr pageid.KeyRange, lsn pageid.Lsn) error {
	w, err := layer.NewImageWriter(t.Dir, kr.Lo, lsn)
	if err != nil {
		return err
	}
	for _, k := range t.layers.DistinctKeys(kr) {
		img, err := t.Get(ctx, GetRequest{Key: k, Lsn: lsn, DownloadBehavior: DownloadBehaviorDownload})
		if err != nil {
			if isSubstitutableFork(k) {
				log.Warn("timeline: substituting zero page for unreconstructable vm/fsm page", "key", k, "err", err)
				img = make([]byte, pageid.PageSize)
			} else {
				return fmt.Errorf("timeline: image creation failed for key %s: %w", k, err)
			}
		}
		if err := w.PutImage(k, img); err != nil {
			return err
		}
	}
	newLayer, err := w.Finish(kr.Hi)
	if err != nil {
		return err
	}
	batch := t.layers.BatchUpdates()
	batch.InsertHistoric(newLayer)
	return batch.Flush()
}

// compactPhase2L0s gathers contiguous full-keyspace L0 deltas and rewrites
// them into narrower delta layers, starting a new layer at the next key
// boundary once the current one reaches the target file size. Holes in
// the keyspace are not split points.
func (t *Timeline) compactPhase2L0s(ctx context.Context) error {
	l0s := t.layers.GetLevel0Deltas()
	if len(l0s) < 2 {
		return nil
	}
	chain := contiguousChain(l0s)
	if len(chain) < 2 {
		return nil
	}

	entries, err := mergeDeltaEntries(chain)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	newLayers, err := t.splitAndWrite(entries)
	if err != nil {
		return err
	}

	batch := t.layers.BatchUpdates()
	for _, nl := range newLayers {
		batch.InsertHistoric(nl)
	}
	for _, old := range chain {
		batch.RemoveHistoric(old.ID())
	}
	if err := batch.Flush(); err != nil {
		return err
	}
	for _, old := range chain {
		_ = old.Delete()
	}

	compactionL0s.Mark(int64(len(chain)))
	log.Info("timeline: compacted L0 deltas", "timeline", t.TimelineID, "inputs", len(chain), "outputs", len(newLayers))
	return nil
}

// contiguousChain returns the longest run of l0s whose LSN ranges form an
// unbroken chain, sorted ascending by lsn_lo.
func contiguousChain(l0s []*layer.DeltaLayer) []*layer.DeltaLayer {
	sorted := append([]*layer.DeltaLayer(nil), l0s...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			lj1, _ := sorted[j-1].LsnRange()
			lj, _ := sorted[j].LsnRange()
			if lj1 <= lj {
				break
			}
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	chain := []*layer.DeltaLayer{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		_, prevHi := chain[len(chain)-1].LsnRange()
		lo, _ := sorted[i].LsnRange()
		if lo != prevHi {
			break
		}
		chain = append(chain, sorted[i])
	}
	return chain
}

type mergedEntry struct {
	key   pageid.Key
	lsn   pageid.Lsn
	value layer.Value
}

// mergeDeltaEntries collects every entry actually stored in the chain's
// delta layers and returns them sorted key-major, lsn-ascending -- the
// order a rewritten delta layer's writer requires. contiguousChain
// guarantees each layer's LSN range starts exactly where the previous
// one ends, so entries from different layers never need reconciling
// against one another; a stable sort of the concatenation is enough.
func mergeDeltaEntries(chain []*layer.DeltaLayer) ([]mergedEntry, error) {
	var out []mergedEntry
	for _, dl := range chain {
		entries, err := dl.AllEntries()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, mergedEntry{key: e.Key, lsn: e.Lsn, value: e.Value})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].key != out[j].key {
			return out[i].key.Less(out[j].key)
		}
		return out[i].lsn < out[j].lsn
	})
	return out, nil
}

// splitAndWrite emits one or more delta layers from entries, splitting at
// target_file_size key boundaries.
func (t *Timeline) splitAndWrite(entries []mergedEntry) ([]*layer.DeltaLayer, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var out []*layer.DeltaLayer
	start := 0
	var size int64
	keyLo := entries[0].key
	var lsnLo, lsnHi pageid.Lsn = entries[0].lsn, entries[0].lsn

	flush := func(end int, keyHi pageid.Key) error {
		w, err := layer.NewDeltaWriter(t.Dir, keyLo, pageid.LsnRange{Lo: lsnLo, Hi: lsnHi.Next()})
		if err != nil {
			return err
		}
		for i := start; i < end; i++ {
			if err := w.PutValue(entries[i].key, entries[i].lsn, entries[i].value); err != nil {
				return err
			}
		}
		nl, err := w.Finish(keyHi)
		if err != nil {
			return err
		}
		out = append(out, nl)
		return nil
	}

	for i, e := range entries {
		if e.value.IsImage {
			size += int64(len(e.value.Image))
		} else {
			size += int64(len(e.value.Record.Bytes))
		}
		if e.lsn > lsnHi {
			lsnHi = e.lsn
		}
		atKeyBoundary := i+1 == len(entries) || entries[i+1].key != e.key
		if atKeyBoundary && size >= t.conf.TargetFileSize {
			nextKey := e.key.NextKey()
			if i+1 < len(entries) {
				nextKey = entries[i+1].key
			}
			if err := flush(i+1, nextKey); err != nil {
				return nil, err
			}
			start = i + 1
			size = 0
			if i+1 < len(entries) {
				keyLo = entries[i+1].key
				lsnLo = entries[i+1].lsn
				lsnHi = entries[i+1].lsn
			}
		}
	}
	if start < len(entries) {
		if err := flush(len(entries), entries[len(entries)-1].key.NextKey()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
