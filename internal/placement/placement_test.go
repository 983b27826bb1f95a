package placement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/pkg/pageid"
)

type fakeReconciler struct {
	mu       sync.Mutex
	pushed   []NodeID
	detached []NodeID
	notified []*NodeID
	failNode NodeID
}

func (f *fakeReconciler) PushLocation(_ context.Context, node NodeID, _ pageid.TenantID, _ LocationConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node == f.failNode {
		return fmt.Errorf("fake: push to %s failed", node)
	}
	f.pushed = append(f.pushed, node)
	return nil
}

func (f *fakeReconciler) DetachLocation(_ context.Context, node NodeID, _ pageid.TenantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, node)
	return nil
}

func (f *fakeReconciler) NotifyCompute(_ context.Context, _ pageid.TenantID, attached *NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, attached)
	return nil
}

func (f *fakeReconciler) snapshot() (pushed, detached []NodeID, notifyCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NodeID{}, f.pushed...), append([]NodeID{}, f.detached...), len(f.notified)
}

func newTestShard(t *testing.T, nodes []NodeID) (*Shard, *fakeReconciler) {
	t.Helper()
	sched := NewReferenceCounted(nodes)
	rec := &fakeReconciler{}
	s := NewShard(pageid.NewTenantID(), sched, rec)
	t.Cleanup(s.Shutdown)
	return s, rec
}

func TestSetPolicySingleAttachesOneNode(t *testing.T) {
	s, rec := newTestShard(t, []NodeID{"a", "b", "c"})
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))
	require.NoError(t, s.WaitReconciled(context.Background()))

	pushed, detached, notified := rec.snapshot()
	require.Len(t, pushed, 1)
	require.Empty(t, detached)
	require.Equal(t, 1, notified)
}

func TestSetPolicyDoubleAttachesAndSecondaries(t *testing.T) {
	s, rec := newTestShard(t, []NodeID{"a", "b", "c"})
	require.NoError(t, s.SetPolicy(context.Background(), PolicyDouble))
	require.NoError(t, s.WaitReconciled(context.Background()))

	pushed, _, _ := rec.snapshot()
	require.Len(t, pushed, 2)
}

func TestSetPolicyDetachedDetachesPreviouslyAttached(t *testing.T) {
	s, rec := newTestShard(t, []NodeID{"a"})
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))
	require.NoError(t, s.WaitReconciled(context.Background()))

	require.NoError(t, s.SetPolicy(context.Background(), PolicyDetached))
	require.NoError(t, s.WaitReconciled(context.Background()))

	_, detached, _ := rec.snapshot()
	require.Contains(t, detached, NodeID("a"))
}

func TestWaitReconciledSurfacesReconcileError(t *testing.T) {
	s, rec := newTestShard(t, []NodeID{"a"})
	rec.failNode = "a"
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))

	err := s.WaitReconciled(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "push to a failed")
}

func TestWaitReconciledNoOpWhenAlreadySatisfied(t *testing.T) {
	s, _ := newTestShard(t, []NodeID{"a"})
	require.NoError(t, s.WaitReconciled(context.Background()))
}

func TestNotifyNodeOfflineDemotesAttachedToSecondary(t *testing.T) {
	s, rec := newTestShard(t, []NodeID{"a", "b"})
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))
	require.NoError(t, s.WaitReconciled(context.Background()))

	pushed, _, _ := rec.snapshot()
	require.Len(t, pushed, 1)
	offlineNode := pushed[0]

	s.NotifyNodeOffline(context.Background(), offlineNode)
	require.NoError(t, s.WaitReconciled(context.Background()))

	s.mu.Lock()
	intent := s.intent
	s.mu.Unlock()
	require.Nil(t, intent.Attached)
	require.Contains(t, intent.Secondary, offlineNode)
}

func TestGenerationIncreasesOnAttach(t *testing.T) {
	s, _ := newTestShard(t, []NodeID{"a"})
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))
	require.NoError(t, s.WaitReconciled(context.Background()))

	s.mu.Lock()
	gen1 := s.generation
	s.mu.Unlock()
	require.Equal(t, uint64(1), gen1)

	// Detach then re-attach: generation must increase again.
	require.NoError(t, s.SetPolicy(context.Background(), PolicyDetached))
	require.NoError(t, s.WaitReconciled(context.Background()))
	require.NoError(t, s.SetPolicy(context.Background(), PolicySingle))
	require.NoError(t, s.WaitReconciled(context.Background()))

	s.mu.Lock()
	gen2 := s.generation
	s.mu.Unlock()
	require.Greater(t, gen2, gen1)
}

func TestSeqWaitAdvanceWakesWaiters(t *testing.T) {
	w := NewSeqWait(0)
	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background(), 5) }()

	time.Sleep(10 * time.Millisecond)
	w.Advance(5)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake up")
	}
}

func TestSeqWaitFailDeliversError(t *testing.T) {
	w := NewSeqWait(0)
	boom := fmt.Errorf("boom")
	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background(), 3) }()

	time.Sleep(10 * time.Millisecond)
	w.Fail(3, boom)

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake up")
	}
}

func TestSeqWaitContextCancelUnblocks(t *testing.T) {
	w := NewSeqWait(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Wait(ctx, 100) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock on cancel")
	}
}

func TestReferenceCountedPicksLeastLoaded(t *testing.T) {
	s := NewReferenceCounted([]NodeID{"a", "b", "c"})
	s.Ref("a")
	s.Ref("a")
	s.Ref("b")

	n, err := s.Pick(nil)
	require.NoError(t, err)
	require.Equal(t, NodeID("c"), n)
}

func TestReferenceCountedPickExcludes(t *testing.T) {
	s := NewReferenceCounted([]NodeID{"a", "b"})
	n, err := s.Pick(mapset.NewSet[NodeID]("a"))
	require.NoError(t, err)
	require.Equal(t, NodeID("b"), n)
}

func TestReferenceCountedPickErrorsWhenExhausted(t *testing.T) {
	s := NewReferenceCounted([]NodeID{"a"})
	_, err := s.Pick(mapset.NewSet[NodeID]("a"))
	require.Error(t, err)
}
