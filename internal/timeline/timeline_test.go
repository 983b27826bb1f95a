package timeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/internal/pagecache"
	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

func newLoadedTestTimelineAt(t *testing.T, diskConsistentLsn pageid.Lsn) *Timeline {
	t.Helper()
	dir := t.TempDir()
	meta := Metadata{
		DiskConsistentLsn: diskConsistentLsn,
		PrevRecordLsn:     pageid.InvalidLsn,
		LatestGcCutoffLsn: pageid.Lsn(0),
		InitdbLsn:         pageid.Lsn(1),
		PgVersion:         160000,
	}
	require.NoError(t, WriteMetadataFile(dir, filepath.Join(dir, "metadata"), meta))

	cache := pagecache.New(16, nil)
	tl := New(pageid.NewTenantID(), pageid.NewTimelineID(), dir, DefaultConfig(), cache, walredo.NewTestManager())
	require.NoError(t, tl.Load())
	return tl
}

func newLoadedTestTimeline(t *testing.T) *Timeline {
	t.Helper()
	return newLoadedTestTimelineAt(t, pageid.Lsn(100))
}

func TestTimelineLoadSeedsStateFromMetadata(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	require.Equal(t, StateActive, tl.State())
	require.Equal(t, pageid.Lsn(100), tl.DiskConsistentLsn())
	require.Equal(t, pageid.Lsn(100), tl.LastRecordLsn())
	require.Equal(t, uint32(160000), tl.PgVersion)
}

func TestTimelineGetReturnsPutValue(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	open := tl.Layers().Open()
	require.NotNil(t, open)

	key := pageid.Key{Field6: 7}
	page := make([]byte, pageid.PageSize)
	copy(page, []byte("hello-page"))
	require.NoError(t, open.Put(key, pageid.Lsn(101), layer.Value{IsImage: true, Image: page}))
	tl.lastRecordLsn.Advance(pageid.Lsn(101))

	got, err := tl.Get(context.Background(), GetRequest{Key: key, Lsn: pageid.Lsn(101)})
	require.NoError(t, err)
	require.Equal(t, page, got)
}

func TestTimelineGetMissingKeyReturnsTraversalError(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	_, err := tl.Get(context.Background(), GetRequest{Key: pageid.Key{Field6: 99}, Lsn: pageid.Lsn(100)})
	require.Error(t, err)
	var tErr *ErrTraversal
	require.ErrorAs(t, err, &tErr)
}

func TestTimelineGetBelowGcCutoffFails(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	tl.mu.Lock()
	tl.latestGcCutoffLsn = pageid.Lsn(500)
	tl.mu.Unlock()

	_, err := tl.Get(context.Background(), GetRequest{Key: pageid.Key{Field6: 1}, Lsn: pageid.Lsn(10)})
	require.ErrorIs(t, err, ErrLsnNotInScope)
}

func TestTimelineWaitLsnSucceedsOnceAdvanced(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	done := make(chan error, 1)
	go func() { done <- tl.WaitLsn(context.Background(), pageid.Lsn(150), 0) }()

	time.Sleep(20 * time.Millisecond)
	tl.lastRecordLsn.Advance(pageid.Lsn(150))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_lsn did not unblock after advance")
	}
}

func TestTimelineWaitLsnTimesOut(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	err := tl.WaitLsn(context.Background(), pageid.Lsn(10_000), 20*time.Millisecond)
	require.Error(t, err)
	var timeoutErr *ErrTimeout
	require.ErrorAs(t, err, &timeoutErr)
}

func TestTimelineRetainLsnRegistration(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	tl.AddRetainLsn(pageid.Lsn(50))
	require.True(t, tl.retainLsns[pageid.Lsn(50)])

	tl.RemoveRetainLsn(pageid.Lsn(50))
	require.False(t, tl.retainLsns[pageid.Lsn(50)])
}

func TestTimelineShutdownFailsPendingWaiters(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	done := make(chan error, 1)
	go func() { done <- tl.WaitLsn(context.Background(), pageid.Lsn(10_000), 0) }()

	time.Sleep(20 * time.Millisecond)
	tl.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("wait_lsn did not unblock after shutdown")
	}
	require.Equal(t, StateStopping, tl.State())
}

func TestTimelineAncestorDescentWalksToParent(t *testing.T) {
	parent := newLoadedTestTimelineAt(t, pageid.Lsn(0))
	child := newLoadedTestTimelineAt(t, pageid.Lsn(100))

	key := pageid.Key{Field6: 42}
	page := make([]byte, pageid.PageSize)
	copy(page, []byte("parent-page"))
	parentOpen := parent.Layers().Open()
	require.NoError(t, parentOpen.Put(key, pageid.Lsn(80), layer.Value{IsImage: true, Image: page}))
	parent.lastRecordLsn.Advance(pageid.Lsn(80))

	child.SetAncestor(parent, pageid.Lsn(80))

	got, err := child.Get(context.Background(), GetRequest{Key: key, Lsn: pageid.Lsn(80)})
	require.NoError(t, err)
	require.Equal(t, page, got)
}
