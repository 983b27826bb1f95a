// Package placement implements the per-tenant-shard control loop: intent vs observed placement across pageservers, and a
// reconciler that drives the latter toward the former.
package placement

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// NodeID identifies one pageserver in the fleet.
type NodeID string

// Policy is the desired placement shape for one tenant shard.
type Policy int

const (
	PolicySingle Policy = iota
	PolicyDouble
	PolicySecondary
	PolicyDetached
)

// LocationConfig is what gets pushed to a pageserver for one shard: its
// role (attached/secondary) and the generation fencing token.
type LocationConfig struct {
	Attached   bool
	Generation uint64
}

// Intent is the desired placement: at most one attached node, plus a set
// of secondaries.
type Intent struct {
	Attached  *NodeID
	Secondary []NodeID
}

// SplittingState blocks reconciliation while a shard split is in progress.
type SplittingState int

const (
	SplitIdle SplittingState = iota
	SplitInProgress
)

// Scheduler picks nodes to satisfy policy while minimizing per-node load;
// ReferenceCounted below is the shipped implementation.
type Scheduler interface {
	// Pick returns the best node for a new attached or secondary role,
	// excluding any node in exclude.
	Pick(exclude mapset.Set[NodeID]) (NodeID, error)
	// Ref/Unref adjust the scheduler's per-node load accounting.
	Ref(n NodeID)
	Unref(n NodeID)
}

// Reconciler pushes LocationConfig to pageservers and posts compute-hook
// notifications; implemented by the caller's pageserver/compute clients.
type Reconciler interface {
	PushLocation(ctx context.Context, node NodeID, shard pageid.TenantID, cfg LocationConfig) error
	DetachLocation(ctx context.Context, node NodeID, shard pageid.TenantID) error
	NotifyCompute(ctx context.Context, shard pageid.TenantID, attached *NodeID) error
}

// ReconcileResult is posted back by a running reconciler task.
type ReconcileResult struct {
	Sequence                    uint64
	Err                         error
	Observed                    map[NodeID]*LocationConfig
	PendingComputeNotification  bool
}

// Shard holds all per-tenant-shard placement state.
type Shard struct {
	ID pageid.TenantID

	mu         sync.Mutex
	policy     Policy
	intent     Intent
	observed   map[NodeID]*LocationConfig // nil value = "unknown state"
	sequence   uint64
	generation uint64
	splitting  SplittingState

	waiter      *SeqWait
	errorWaiter *SeqWait

	reconcileSeq   uint64
	cancelCurrent  context.CancelFunc

	scheduler  Scheduler
	reconciler Reconciler
	results    chan ReconcileResult
}

// NewShard constructs a Shard in PolicyDetached/no-intent state.
func NewShard(id pageid.TenantID, sched Scheduler, rec Reconciler) *Shard {
	s := &Shard{
		ID:          id,
		policy:      PolicyDetached,
		observed:    map[NodeID]*LocationConfig{},
		waiter:      NewSeqWait(0),
		errorWaiter: NewSeqWait(0),
		scheduler:   sched,
		reconciler:  rec,
		results:     make(chan ReconcileResult, 8),
	}
	go s.applyLoop()
	return s
}

// SetPolicy updates the desired policy and recomputes intent, then
// triggers reconciliation if the observed state no longer matches.
func (s *Shard) SetPolicy(ctx context.Context, p Policy) error {
	s.mu.Lock()
	s.policy = p
	intent, err := s.computeIntentLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.intent = intent
	s.mu.Unlock()
	s.MaybeReconcile(ctx)
	return nil
}

// computeIntentLocked picks nodes for the current policy. Caller holds s.mu.
func (s *Shard) computeIntentLocked() (Intent, error) {
	switch s.policy {
	case PolicyDetached:
		return Intent{}, nil
	case PolicySecondary:
		if s.intent.Attached != nil {
			s.scheduler.Unref(*s.intent.Attached)
		}
		n, err := s.pickSecondaryLocked()
		if err != nil {
			return Intent{}, err
		}
		return Intent{Secondary: []NodeID{n}}, nil
	case PolicySingle:
		attached, err := s.pickAttachedLocked()
		if err != nil {
			return Intent{}, err
		}
		return Intent{Attached: &attached}, nil
	case PolicyDouble:
		attached, err := s.pickAttachedLocked()
		if err != nil {
			return Intent{}, err
		}
		exclude := mapset.NewSet(attached)
		secondary, err := s.scheduler.Pick(exclude)
		if err != nil {
			return Intent{Attached: &attached}, nil
		}
		s.scheduler.Ref(secondary)
		return Intent{Attached: &attached, Secondary: []NodeID{secondary}}, nil
	default:
		return Intent{}, fmt.Errorf("placement: unknown policy %d", s.policy)
	}
}

func (s *Shard) pickAttachedLocked() (NodeID, error) {
	// Promote an already-warm secondary if one exists, re-using its
	// materialized local state instead of cold-starting a fresh attach.
	for _, n := range s.intent.Secondary {
		return n, nil
	}
	return s.scheduler.Pick(mapset.NewSet[NodeID]())
}

func (s *Shard) pickSecondaryLocked() (NodeID, error) {
	return s.scheduler.Pick(mapset.NewSet[NodeID]())
}

// NotifyNodeOffline demotes an attached node that has gone offline to a
// secondary so its stored content is not forgotten.
func (s *Shard) NotifyNodeOffline(ctx context.Context, n NodeID) {
	s.mu.Lock()
	changed := false
	if s.intent.Attached != nil && *s.intent.Attached == n {
		s.intent.Attached = nil
		s.intent.Secondary = append(s.intent.Secondary, n)
		changed = true
	}
	s.mu.Unlock()
	if changed {
		log.Info("placement: demoted offline attached node", "shard", s.ID, "node", n)
		s.MaybeReconcile(ctx)
	}
}

// MaybeReconcile computes whether observed differs from intent and, if so, spawns a reconciler task,
// cancelling any older in-flight one by sequence.
func (s *Shard) MaybeReconcile(ctx context.Context) {
	s.mu.Lock()
	if s.splitting == SplitInProgress {
		s.mu.Unlock()
		return
	}
	if !s.needsReconcileLocked() {
		s.mu.Unlock()
		return
	}
	s.sequence++
	seq := s.sequence
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancelCurrent = cancel
	intent := s.intent
	generation := s.generation
	if intent.Attached != nil {
		// Every Secondary/Detached -> Attached transition bumps
		// generation before it is sent anywhere.
		if prev, ok := s.observed[*intent.Attached]; !ok || prev == nil || !prev.Attached {
			s.generation++
			generation = s.generation
		}
	}
	s.mu.Unlock()

	go s.runReconcile(rctx, seq, intent, generation)
}

func (s *Shard) needsReconcileLocked() bool {
	wantNodes := mapset.NewSet[NodeID]()
	if s.intent.Attached != nil {
		wantNodes.Add(*s.intent.Attached)
	}
	for _, n := range s.intent.Secondary {
		wantNodes.Add(n)
	}
	haveNodes := mapset.NewSet[NodeID]()
	for n := range s.observed {
		haveNodes.Add(n)
	}
	if !wantNodes.Equal(haveNodes) {
		return true
	}
	for n := range s.observed {
		if s.observed[n] == nil {
			return true // "we might have state here, don't know what"
		}
		wantAttached := s.intent.Attached != nil && *s.intent.Attached == n
		if s.observed[n].Attached != wantAttached {
			return true
		}
	}
	return false
}

func (s *Shard) runReconcile(ctx context.Context, seq uint64, intent Intent, generation uint64) {
	observed := map[NodeID]*LocationConfig{}
	var reconcileErr error

	push := func(n NodeID, attached bool) {
		if ctx.Err() != nil {
			return
		}
		cfg := LocationConfig{Attached: attached, Generation: generation}
		if err := s.reconciler.PushLocation(ctx, n, s.ID, cfg); err != nil {
			reconcileErr = fmt.Errorf("placement: push location to %s: %w", n, err)
			return
		}
		observed[n] = &cfg
	}

	if intent.Attached != nil {
		push(*intent.Attached, true)
	}
	for _, n := range intent.Secondary {
		push(n, false)
	}

	s.mu.Lock()
	toDetach := mapset.NewSet[NodeID]()
	for n := range s.observed {
		if intent.Attached != nil && n == *intent.Attached {
			continue
		}
		found := false
		for _, sec := range intent.Secondary {
			if sec == n {
				found = true
				break
			}
		}
		if !found {
			toDetach.Add(n)
		}
	}
	s.mu.Unlock()

	for n := range toDetach.Iter() {
		if ctx.Err() != nil {
			break
		}
		if err := s.reconciler.DetachLocation(ctx, n, s.ID); err != nil && reconcileErr == nil {
			reconcileErr = fmt.Errorf("placement: detach location on %s: %w", n, err)
			continue
		}
		observed[n] = nil
	}

	pendingNotify := reconcileErr == nil
	if pendingNotify {
		if err := s.reconciler.NotifyCompute(ctx, s.ID, intent.Attached); err != nil {
			reconcileErr = fmt.Errorf("placement: notify compute: %w", err)
		} else {
			pendingNotify = false
		}
	}

	if ctx.Err() != nil {
		return // superseded by a newer sequence; no result posted
	}
	s.results <- ReconcileResult{Sequence: seq, Err: reconcileErr, Observed: observed, PendingComputeNotification: pendingNotify}
}

// applyLoop serially applies ReconcileResults: per-node observed overrides
// apply, unmentioned nodes retain their prior entry.
func (s *Shard) applyLoop() {
	for r := range s.results {
		s.mu.Lock()
		for n, cfg := range r.Observed {
			if cfg == nil {
				delete(s.observed, n)
			} else {
				s.observed[n] = cfg
			}
		}
		s.mu.Unlock()

		if r.Err != nil {
			s.errorWaiter.Fail(r.Sequence, r.Err)
			log.Warn("placement: reconcile failed", "shard", s.ID, "sequence", r.Sequence, "err", r.Err)
			continue
		}
		s.waiter.Advance(r.Sequence)
	}
}

// WaitReconciled blocks until the most recently triggered reconciliation
// (or a later one) completes, returning the most recent error if
// error_waiter reaches the target sequence first.
func (s *Shard) WaitReconciled(ctx context.Context) error {
	s.mu.Lock()
	target := s.sequence
	s.mu.Unlock()
	return waitEither(ctx, s.waiter, s.errorWaiter, target)
}

// Shutdown stops the apply loop and cancels any in-flight reconciler.
func (s *Shard) Shutdown() {
	s.mu.Lock()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.mu.Unlock()
	close(s.results)
}
