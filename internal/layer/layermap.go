package layer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// LayerMap indexes every historic (non-open) layer of a timeline plus the
// current open in-memory layer, and answers the queries the get-page walk
// and compaction/GC need.
//
// Mutations go through BatchedUpdates so that a compaction or flush that
// replaces many layers at once is visible atomically to concurrent
// readers: a single lock acquisition swaps the whole staged change set
// in rather than letting readers observe a half-updated map.
type LayerMap struct {
	mu sync.RWMutex

	open       *InMemoryLayer
	frozen     []*InMemoryLayer // frozen, not yet flushed to disk, newest last
	historic   []Layer          // delta + image + remote layers
}

// NewLayerMap returns an empty map.
func NewLayerMap() *LayerMap {
	return &LayerMap{}
}

// SetOpen installs the current open in-memory layer; at most one may be
// open at a time.
func (m *LayerMap) SetOpen(l *InMemoryLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = l
}

// Open returns the current open in-memory layer, or nil.
func (m *LayerMap) Open() *InMemoryLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// FreezeOpen moves the open layer to frozen and clears Open(). Caller must
// have already called InMemoryLayer.Freeze.
func (m *LayerMap) FreezeOpen() *InMemoryLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.open
	if f == nil {
		return nil
	}
	m.frozen = append(m.frozen, f)
	m.open = nil
	return f
}

// BatchedUpdates collects a set of insert_historic/remove_historic/replace
// calls to apply atomically via Flush.
type BatchedUpdates struct {
	m        *LayerMap
	inserts  []Layer
	removes  map[string]bool
	replaces map[string]Layer // old ID -> new layer
	dropFrozen []*InMemoryLayer
}

// BatchUpdates begins a new batch against this map.
func (m *LayerMap) BatchUpdates() *BatchedUpdates {
	return &BatchedUpdates{m: m, removes: map[string]bool{}, replaces: map[string]Layer{}}
}

// InsertHistoric stages the addition of a new historic layer.
func (b *BatchedUpdates) InsertHistoric(l Layer) { b.inserts = append(b.inserts, l) }

// RemoveHistoric stages the removal of a historic layer by ID.
func (b *BatchedUpdates) RemoveHistoric(id string) { b.removes[id] = true }

// Replace stages replacing oldID with newLayer (used to swap a downloaded
// local layer in for its RemoteLayer placeholder); fails at Flush time
// with ErrNotFound if oldID isn't present.
func (b *BatchedUpdates) Replace(oldID string, newLayer Layer) { b.replaces[oldID] = newLayer }

// DropFrozen stages removal of a frozen in-memory layer once its flush to
// disk has completed.
func (b *BatchedUpdates) DropFrozen(l *InMemoryLayer) { b.dropFrozen = append(b.dropFrozen, l) }

// Flush applies every staged change under a single lock acquisition, so
// readers never observe a partially-updated layer set.
func (b *BatchedUpdates) Flush() error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()

	for old := range b.replaces {
		found := false
		for _, l := range b.m.historic {
			if l.ID() == old {
				found = true
				break
			}
		}
		if !found {
			return &ErrNotFound{What: fmt.Sprintf("layer %s (replace)", old)}
		}
	}

	next := make([]Layer, 0, len(b.m.historic)+len(b.inserts))
	for _, l := range b.m.historic {
		if b.removes[l.ID()] {
			continue
		}
		if repl, ok := b.replaces[l.ID()]; ok {
			next = append(next, repl)
			continue
		}
		next = append(next, l)
	}
	next = append(next, b.inserts...)
	b.m.historic = next

	if len(b.dropFrozen) > 0 {
		drop := map[*InMemoryLayer]bool{}
		for _, f := range b.dropFrozen {
			drop[f] = true
		}
		remaining := b.m.frozen[:0:0]
		for _, f := range b.m.frozen {
			if !drop[f] {
				remaining = append(remaining, f)
			}
		}
		b.m.frozen = remaining
	}

	log.Debug("layermap: flushed batch", "inserted", len(b.inserts), "removed", len(b.removes), "replaced", len(b.replaces))
	return nil
}

// IterHistoricLayers returns every historic layer, for callers (GC,
// compaction planning) that need to walk the whole set.
func (m *LayerMap) IterHistoricLayers() []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Layer, len(m.historic))
	copy(out, m.historic)
	return out
}

// SearchStack returns every layer (in-memory, frozen, then historic,
// newest-first) that might contribute to reconstructing key at lsn, in
// the order the get-page walk must consult them.
// Ties among historic layers whose LsnRange overlaps are broken by
// descending lsn_hi, then by deterministic ID ordering.
func (m *LayerMap) SearchStack(key pageid.Key, lsn pageid.Lsn) []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Layer
	if m.open != nil && Covers(m.open, key, lsn) {
		out = append(out, m.open)
	}
	for i := len(m.frozen) - 1; i >= 0; i-- {
		f := m.frozen[i]
		if Covers(f, key, lsn) {
			out = append(out, f)
		}
	}

	var candidates []Layer
	for _, l := range m.historic {
		if !l.KeyRange().Contains(key) {
			continue
		}
		lo, _ := l.LsnRange()
		if lo <= lsn {
			candidates = append(candidates, l)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		_, hiI := candidates[i].LsnRange()
		_, hiJ := candidates[j].LsnRange()
		if hiI != hiJ {
			return hiI > hiJ
		}
		return candidates[i].ID() > candidates[j].ID()
	})
	out = append(out, candidates...)
	return out
}

// GetLevel0Deltas returns every delta layer whose key range spans the
// full keyspace -- the L0 tier that image-creation/compaction operates
// on.
func (m *LayerMap) GetLevel0Deltas() []*DeltaLayer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DeltaLayer
	for _, l := range m.historic {
		if dl, ok := l.(*DeltaLayer); ok && dl.IsL0() {
			out = append(out, dl)
		}
	}
	return out
}

// ImageCoverage reports, for the key range [lo, hi), the LSN at or above
// which a contiguous image exists — used to decide whether a new image
// layer is needed before GC can advance the horizon.
func (m *LayerMap) ImageCoverage(kr pageid.KeyRange) (pageid.Lsn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best pageid.Lsn
	found := false
	for _, l := range m.historic {
		il, ok := l.(*ImageLayer)
		if !ok {
			continue
		}
		// only a layer whose range fully covers kr counts as coverage
		if il.KeyRange().Lo.Compare(kr.Lo) > 0 || il.KeyRange().Hi.Compare(kr.Hi) < 0 {
			continue
		}
		if !found || il.At() > best {
			best = il.At()
			found = true
		}
	}
	return best, found
}

// ImageLayerExists reports whether an image layer exactly covering kr at
// lsn is already present, so compaction doesn't redundantly rewrite
// one.
func (m *LayerMap) ImageLayerExists(kr pageid.KeyRange, lsn pageid.Lsn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.historic {
		il, ok := l.(*ImageLayer)
		if !ok {
			continue
		}
		if il.At() == lsn && il.KeyRange() == kr {
			return true
		}
	}
	return false
}

// DistinctKeys returns every distinct key actually stored in a historic
// delta or image layer overlapping kr, sorted ascending. Compaction's
// image-creation planning uses this instead of stepping through every
// value in Key's 144-bit space one NextKey() at a time, which only the
// keys actually written could ever populate.
func (m *LayerMap) DistinctKeys(kr pageid.KeyRange) []pageid.Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[pageid.Key]bool{}
	for _, l := range m.historic {
		if !l.KeyRange().Overlaps(kr) {
			continue
		}
		var keys []pageid.Key
		switch t := l.(type) {
		case *DeltaLayer:
			keys = t.Keys()
		case *ImageLayer:
			keys = t.Keys()
		default:
			continue
		}
		for _, k := range keys {
			if kr.Contains(k) {
				seen[k] = true
			}
		}
	}
	out := make([]pageid.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// HighestBlock returns the highest Key.Field6 among every layer's entries
// within kr written at or before lsn -- open, frozen, and historic -- the
// lookup behind a relation size query.
func (m *LayerMap) HighestBlock(kr pageid.KeyRange, lsn pageid.Lsn) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := uint32(0)
	found := false
	consider := func(b uint32, ok bool) {
		if ok && (!found || b > best) {
			best, found = b, true
		}
	}

	if m.open != nil {
		consider(m.open.HighestBlockAtOrBefore(kr, lsn))
	}
	for _, f := range m.frozen {
		consider(f.HighestBlockAtOrBefore(kr, lsn))
	}
	for _, l := range m.historic {
		switch t := l.(type) {
		case *DeltaLayer:
			consider(t.HighestBlockAtOrBefore(kr, lsn))
		case *ImageLayer:
			consider(t.HighestBlockAtOrBefore(kr, lsn))
		}
	}
	return best, found
}

// CountDeltas returns the number of delta layers (of any width) whose key
// range contains key, above lsn. Used by the read-amplification heuristic
// that triggers compaction.
func (m *LayerMap) CountDeltas(key pageid.Key, above pageid.Lsn) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.historic {
		dl, ok := l.(*DeltaLayer)
		if !ok || !dl.KeyRange().Contains(key) {
			continue
		}
		lo, _ := dl.LsnRange()
		if lo >= above {
			n++
		}
	}
	return n
}
