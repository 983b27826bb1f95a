// Package pagecache implements the process-wide, fixed-size page buffer
// pool: a single array of N 8KiB slots shared by three mapping tables
// (materialized page versions, ephemeral in-memory-layer blocks, and
// immutable on-disk layer blocks), evicted by a clock-sweep.
//
// Lock discipline: whenever both a slot lock and a mapping lock are
// needed, the slot lock is acquired first, then the mapping lock, to
// break cycles.
package pagecache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// ErrCacheExhausted is returned by the clock sweep when no victim could be
// found within the bounded retry budget.
// It is a fatal task error at the call site, never retried silently here.
var ErrCacheExhausted = errors.New("pagecache: clock sweep exhausted, all slots pinned")

// MaterializedKey identifies a cached, fully-reconstructed page image at a
// specific LSN.
type MaterializedKey struct {
	Tenant   pageid.TenantID
	Timeline pageid.TimelineID
	Key      pageid.Key
}

// EphemeralKey identifies a writable block of an in-memory layer's backing
// ephemeral file.
type EphemeralKey struct {
	FileID uint64
	Blkno  uint32
}

// ImmutableKey identifies a read-only block of an on-disk delta/image
// layer file.
type ImmutableKey struct {
	FileID uint64
	Blkno  uint32
}

type slotState int

const (
	slotFree slotState = iota
	slotMaterialized
	slotEphemeral
	slotImmutable
)

type slot struct {
	mu         sync.RWMutex
	buf        [pageid.PageSize]byte
	state      slotState
	matKey     MaterializedKey
	matLsn     pageid.Lsn
	ephKey     EphemeralKey
	immKey     ImmutableKey
	dirty      bool
	usageCount uint32 // atomic-accessed via atomic package for the clock sweep
	pins       int32  // atomic: number of outstanding guards
	valid      bool   // false while a write guard is filling the slot
}

// EphemeralWriteback is implemented by the in-memory layer's backing file
// so the cache can flush a dirty ephemeral slot during eviction.
type EphemeralWriteback interface {
	WriteBack(fileID uint64, blkno uint32, buf []byte) error
}

// Cache is the fixed-size, N-slot buffer pool shared by every tenant.
type Cache struct {
	slots []slot
	n     int

	nextEvict atomic.Uint64

	matMu sync.RWMutex
	mat   map[MaterializedKey][]matEntry // sorted ascending by lsn

	ephMu sync.RWMutex
	eph   map[EphemeralKey]int // -> slot index

	immMu sync.RWMutex
	imm   map[ImmutableKey]int // -> slot index

	freeMu sync.Mutex
	free   []int // free-list fast path, best-effort

	writeback EphemeralWriteback
}

type matEntry struct {
	lsn  pageid.Lsn
	slot int
}

// New allocates a cache of n slots (n*PageSize bytes of buffers).
func New(n int, writeback EphemeralWriteback) *Cache {
	if n <= 0 {
		panic("pagecache: n must be positive")
	}
	c := &Cache{
		slots:     make([]slot, n),
		n:         n,
		mat:       make(map[MaterializedKey][]matEntry),
		eph:       make(map[EphemeralKey]int),
		imm:       make(map[ImmutableKey]int),
		writeback: writeback,
	}
	c.free = make([]int, n)
	for i := range c.free {
		c.free[i] = i
	}
	return c
}

// ReadGuard grants read access to a slot's buffer; Release must always be
// called.
type ReadGuard struct {
	c   *Cache
	idx int
}

func (g ReadGuard) Bytes() []byte { return g.c.slots[g.idx].buf[:] }
func (g ReadGuard) Release() {
	g.c.slots[g.idx].mu.RUnlock()
	atomic.AddInt32(&g.c.slots[g.idx].pins, -1)
}

// WriteGuard grants exclusive access to fill a slot. The caller must call
// MarkValid after writing the page content, or Release without MarkValid,
// which silently evicts the half-filled slot back to the free pool.
type WriteGuard struct {
	c        *Cache
	idx      int
	marked   bool
	released bool
}

func (g *WriteGuard) Bytes() []byte { return g.c.slots[g.idx].buf[:] }

func (g *WriteGuard) MarkValid() {
	g.c.slots[g.idx].valid = true
	g.marked = true
}

func (g *WriteGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	s := &g.c.slots[g.idx]
	if !g.marked {
		g.c.evictUnfilled(g.idx)
	} else {
		atomic.StoreUint32(&s.usageCount, 3)
	}
	s.mu.Unlock()
	atomic.AddInt32(&s.pins, -1)
}

// evictUnfilled removes a half-written slot's mapping under the slot lock
// that the caller already holds (write-locked).
func (c *Cache) evictUnfilled(idx int) {
	s := &c.slots[idx]
	switch s.state {
	case slotMaterialized:
		c.removeMaterialized(s.matKey, s.matLsn, idx)
	case slotEphemeral:
		c.ephMu.Lock()
		delete(c.eph, s.ephKey)
		c.ephMu.Unlock()
	case slotImmutable:
		c.immMu.Lock()
		delete(c.imm, s.immKey)
		c.immMu.Unlock()
	}
	s.state = slotFree
	s.valid = false
	s.dirty = false
	c.pushFree(idx)
}

func (c *Cache) removeMaterialized(key MaterializedKey, lsn pageid.Lsn, idx int) {
	c.matMu.Lock()
	defer c.matMu.Unlock()
	entries := c.mat[key]
	for i, e := range entries {
		if e.slot == idx {
			c.mat[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(c.mat[key]) == 0 {
		delete(c.mat, key)
	}
	_ = lsn
}

func (c *Cache) pushFree(idx int) {
	c.freeMu.Lock()
	c.free = append(c.free, idx)
	c.freeMu.Unlock()
}

func (c *Cache) popFree() (int, bool) {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	if len(c.free) == 0 {
		return 0, false
	}
	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return idx, true
}

// LookupMaterialized returns the cached entry with the largest lsn <=
// lsnUpper, or ok=false if absent. The caller must Release the guard.
func (c *Cache) LookupMaterialized(tenant pageid.TenantID, timeline pageid.TimelineID, key pageid.Key, lsnUpper pageid.Lsn) (pageid.Lsn, ReadGuard, bool) {
	mk := MaterializedKey{Tenant: tenant, Timeline: timeline, Key: key}

	c.matMu.RLock()
	entries := c.mat[mk]
	// binary search for largest lsn <= lsnUpper
	i := sort.Search(len(entries), func(i int) bool { return entries[i].lsn > lsnUpper })
	if i == 0 {
		c.matMu.RUnlock()
		return 0, ReadGuard{}, false
	}
	found := entries[i-1]
	c.matMu.RUnlock()

	s := &c.slots[found.slot]
	s.mu.RLock()
	if s.state != slotMaterialized || s.matKey != mk || s.matLsn != found.lsn || !s.valid {
		s.mu.RUnlock()
		return 0, ReadGuard{}, false
	}
	atomic.AddInt32(&s.pins, 1)
	atomic.StoreUint32(&s.usageCount, 3)
	return found.lsn, ReadGuard{c: c, idx: found.slot}, true
}

// InsertMaterialized reserves a slot for (tenant, timeline, key, lsn) and
// returns a WriteGuard for the caller to fill. Only call this after a
// reconstruction produced exactly one page image.
func (c *Cache) InsertMaterialized(tenant pageid.TenantID, timeline pageid.TimelineID, key pageid.Key, lsn pageid.Lsn) (*WriteGuard, error) {
	mk := MaterializedKey{Tenant: tenant, Timeline: timeline, Key: key}
	idx, err := c.reserveSlot()
	if err != nil {
		return nil, err
	}
	s := &c.slots[idx]
	s.state = slotMaterialized
	s.matKey = mk
	s.matLsn = lsn
	s.valid = false

	c.matMu.Lock()
	entries := c.mat[mk]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].lsn >= lsn })
	if i < len(entries) && entries[i].lsn == lsn {
		entries[i].slot = idx
	} else {
		entries = append(entries, matEntry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = matEntry{lsn: lsn, slot: idx}
	}
	c.mat[mk] = entries
	c.matMu.Unlock()

	return &WriteGuard{c: c, idx: idx}, nil
}

// GetEphemeral returns a write guard for (fileID, blkno), reserving a fresh
// slot if the block is not cached. isNew reports whether the caller must
// fill the buffer (cache miss) as opposed to read-modify (cache hit).
func (c *Cache) GetEphemeral(fileID uint64, blkno uint32) (*WriteGuard, bool, error) {
	key := EphemeralKey{FileID: fileID, Blkno: blkno}

	c.ephMu.RLock()
	idx, ok := c.eph[key]
	c.ephMu.RUnlock()
	if ok {
		s := &c.slots[idx]
		s.mu.Lock()
		if s.state == slotEphemeral && s.ephKey == key {
			atomic.AddInt32(&s.pins, 1)
			atomic.StoreUint32(&s.usageCount, 3)
			return &WriteGuard{c: c, idx: idx, marked: true}, false, nil
		}
		s.mu.Unlock()
	}

	idx, err := c.reserveSlot()
	if err != nil {
		return nil, false, err
	}
	s := &c.slots[idx]
	s.state = slotEphemeral
	s.ephKey = key
	s.valid = false

	c.ephMu.Lock()
	c.eph[key] = idx
	c.ephMu.Unlock()

	return &WriteGuard{c: c, idx: idx}, true, nil
}

// MarkDirty flags the ephemeral slot backing g as dirty, so eviction will
// write it back before reuse.
func (g *WriteGuard) MarkDirty() { g.c.slots[g.idx].dirty = true }

// GetImmutable returns a read guard for a cached on-disk block, or ok=false
// on a cache miss (the caller must then read the block from disk and call
// InsertImmutable).
func (c *Cache) GetImmutable(fileID uint64, blkno uint32) (ReadGuard, bool) {
	key := ImmutableKey{FileID: fileID, Blkno: blkno}
	c.immMu.RLock()
	idx, ok := c.imm[key]
	c.immMu.RUnlock()
	if !ok {
		return ReadGuard{}, false
	}
	s := &c.slots[idx]
	s.mu.RLock()
	if s.state != slotImmutable || s.immKey != key || !s.valid {
		s.mu.RUnlock()
		return ReadGuard{}, false
	}
	atomic.AddInt32(&s.pins, 1)
	atomic.StoreUint32(&s.usageCount, 3)
	return ReadGuard{c: c, idx: idx}, true
}

// InsertImmutable reserves a slot for an on-disk block the caller is about
// to read in, returning a WriteGuard to fill.
func (c *Cache) InsertImmutable(fileID uint64, blkno uint32) (*WriteGuard, error) {
	key := ImmutableKey{FileID: fileID, Blkno: blkno}
	idx, err := c.reserveSlot()
	if err != nil {
		return nil, err
	}
	s := &c.slots[idx]
	s.state = slotImmutable
	s.immKey = key
	s.valid = false

	c.immMu.Lock()
	c.imm[key] = idx
	c.immMu.Unlock()

	return &WriteGuard{c: c, idx: idx}, nil
}

// reserveSlot returns a write-locked, pinned slot index, evicting a victim
// via the clock sweep if the free list is empty.
func (c *Cache) reserveSlot() (int, error) {
	if idx, ok := c.popFree(); ok {
		s := &c.slots[idx]
		s.mu.Lock()
		atomic.AddInt32(&s.pins, 1)
		return idx, nil
	}
	return c.findVictim()
}

// findVictim runs a clock sweep: an atomic next_evict index walks the
// slots, decrementing usage_count each pass; a slot whose count reaches
// 0 and can be write-locked without blocking becomes the victim. Bounded
// at 10*N probes.
func (c *Cache) findVictim() (int, error) {
	limit := 10 * c.n
	for probe := 0; probe < limit; probe++ {
		idx := int(c.nextEvict.Add(1)-1) % c.n
		s := &c.slots[idx]

		if atomic.LoadInt32(&s.pins) != 0 {
			continue
		}
		count := atomic.LoadUint32(&s.usageCount)
		if count > 0 {
			atomic.StoreUint32(&s.usageCount, count-1)
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		if atomic.LoadInt32(&s.pins) != 0 {
			s.mu.Unlock()
			continue
		}
		if err := c.evictVictim(s, idx); err != nil {
			s.mu.Unlock()
			log.Error("pagecache: failed to write back dirty slot", "err", err)
			continue
		}
		atomic.AddInt32(&s.pins, 1)
		return idx, nil
	}
	return 0, fmt.Errorf("%w: %d probes", ErrCacheExhausted, limit)
}

// evictVictim clears the chosen slot's mapping, write-back first if dirty.
// The caller holds s.mu (write-locked).
func (c *Cache) evictVictim(s *slot, idx int) error {
	if s.dirty {
		switch s.state {
		case slotEphemeral:
			if c.writeback != nil {
				if err := c.writeback.WriteBack(s.ephKey.FileID, s.ephKey.Blkno, s.buf[:]); err != nil {
					return err
				}
			}
		case slotMaterialized, slotImmutable:
			// Dirty materialized or immutable pages are impossible by
			// construction; surfacing it with log.Crit flags the
			// invariant violation loudly rather than silently corrupting
			// the cache.
			log.Crit("pagecache: dirty materialized/immutable slot at eviction", "state", s.state)
		}
	}
	switch s.state {
	case slotMaterialized:
		c.removeMaterialized(s.matKey, s.matLsn, idx)
	case slotEphemeral:
		c.ephMu.Lock()
		delete(c.eph, s.ephKey)
		c.ephMu.Unlock()
	case slotImmutable:
		c.immMu.Lock()
		delete(c.imm, s.immKey)
		c.immMu.Unlock()
	}
	s.state = slotFree
	s.dirty = false
	s.valid = false
	s.usageCount = 0
	return nil
}

// Len reports the slot count, for tests asserting the probe bound.
func (c *Cache) Len() int { return c.n }
