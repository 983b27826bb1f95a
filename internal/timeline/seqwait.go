package timeline

import (
	"context"
	"sync"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// SeqWait lets callers block until a monotonically advancing sequence
// (here, an Lsn) reaches a target value, or until a deadline/cancellation
// fires first. No dependency in this module's stack offers a ready-made
// equivalent for this narrow a primitive, so it is built directly on
// sync.Cond, the standard condition-wait idiom.
type SeqWait struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current pageid.Lsn
	closed  bool
	lastErr error
}

// NewSeqWait creates a waiter starting at initial.
func NewSeqWait(initial pageid.Lsn) *SeqWait {
	w := &SeqWait{current: initial}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Advance bumps the sequence forward and wakes every blocked waiter.
// Advancing backwards is a no-op (sequences only move forward).
func (w *SeqWait) Advance(to pageid.Lsn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if to > w.current {
		w.current = to
	}
	w.cond.Broadcast()
}

// Current returns the latest advanced value.
func (w *SeqWait) Current() pageid.Lsn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Fail records a terminal error (shutdown or a fatal task error) and
// unblocks every waiter; used by the error-waiter half of a WaitLsn pair
// and by a timeline entering Stopping.
func (w *SeqWait) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.lastErr = err
	w.cond.Broadcast()
}

// Wait blocks until current >= target, ctx is done, or Fail was called.
// Must never be called from the WAL-receiver task for a given timeline's
// write waiter -- that would deadlock the writer against
// its own reader.
func (w *SeqWait) Wait(ctx context.Context, target pageid.Lsn) error {
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for w.current < target && !w.closed && ctx.Err() == nil {
			w.cond.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Wake the goroutine above so it can observe ctx.Err() and exit;
		// it is otherwise parked in cond.Wait with no signal pending.
		w.cond.Broadcast()
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current >= target {
		return nil
	}
	if w.closed {
		return w.lastErr
	}
	return ctx.Err()
}
