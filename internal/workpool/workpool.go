// Package workpool bounds the number of goroutines running background
// maintenance work (flush, compaction, GC, remote upload/deletion) so a
// tenant with many timelines cannot starve the process of OS threads.
package workpool

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/ethereum/go-ethereum/log"
)

// Group is a named, bounded pool of worker goroutines. One Group exists
// per maintenance concern (flush, compaction, GC, upload) so a burst of
// work in one concern cannot block another.
type Group struct {
	name string
	pool *ants.Pool
}

// NewGroup creates a Group with up to size concurrently running tasks.
// Panics recovered from a submitted task are logged rather than crashing
// the process, so a single bad task cannot take down unrelated background
// work.
func NewGroup(name string, size int) (*Group, error) {
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(r interface{}) {
		log.Error("workpool: task panicked", "group", name, "recover", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("workpool: new pool %s: %w", name, err)
	}
	return &Group{name: name, pool: pool}, nil
}

// Submit enqueues fn to run on the next free worker, blocking the caller
// only if the pool is at capacity. Errors returned by fn are logged; use
// SubmitWait when the caller needs the result.
func (g *Group) Submit(fn func() error) error {
	return g.pool.Submit(func() {
		if err := fn(); err != nil {
			log.Warn("workpool: task failed", "group", g.name, "err", err)
		}
	})
}

// SubmitWait runs fn on the pool and blocks until it completes, returning
// its error. Used where the caller needs to know the outcome, e.g.
// "compact this layer set now and report whether it succeeded".
func (g *Group) SubmitWait(fn func() error) error {
	var wg sync.WaitGroup
	var result error
	wg.Add(1)
	if err := g.pool.Submit(func() {
		defer wg.Done()
		result = fn()
	}); err != nil {
		wg.Done()
		return fmt.Errorf("workpool: submit to %s: %w", g.name, err)
	}
	wg.Wait()
	return result
}

// Running reports the number of tasks currently executing in the group.
func (g *Group) Running() int {
	return g.pool.Running()
}

// Release shuts the pool down; it does not wait for tasks that are
// already running.
func (g *Group) Release() {
	g.pool.Release()
}

// Groups bundles the fixed set of maintenance worker groups the
// pageserver runs: one per background concern.
type Groups struct {
	Flush   *Group
	Compact *Group
	GC      *Group
	Upload  *Group
}

// NewGroups constructs the standard set of worker groups, sized per the
// process-wide concurrency budget passed by the caller (cmd/pageserver's
// config).
func NewGroups(flushSize, compactSize, gcSize, uploadSize int) (*Groups, error) {
	flush, err := NewGroup("flush", flushSize)
	if err != nil {
		return nil, err
	}
	compact, err := NewGroup("compact", compactSize)
	if err != nil {
		return nil, err
	}
	gc, err := NewGroup("gc", gcSize)
	if err != nil {
		return nil, err
	}
	upload, err := NewGroup("upload", uploadSize)
	if err != nil {
		return nil, err
	}
	return &Groups{Flush: flush, Compact: compact, GC: gc, Upload: upload}, nil
}

// Release shuts down every group in the bundle.
func (gs *Groups) Release() {
	gs.Flush.Release()
	gs.Compact.Release()
	gs.GC.Release()
	gs.Upload.Release()
}
