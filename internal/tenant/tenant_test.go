package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/pagecache"
	"github.com/pagestore/pageserver/internal/tenant/sidecar"
	"github.com/pagestore/pageserver/internal/timeline"
	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

func newTestTenant(t *testing.T) (*Tenant, func(id pageid.TimelineID, diskConsistentLsn pageid.Lsn)) {
	t.Helper()
	dir := t.TempDir()
	cache := pagecache.New(64, nil)
	redo := walredo.NewTestManager()

	newTimelineFn := func(id pageid.TimelineID, tlDir string, conf timeline.Config) *timeline.Timeline {
		return timeline.New(pageid.TenantID{}, id, tlDir, conf, cache, redo)
	}

	tn, err := New(pageid.NewTenantID(), dir, timeline.DefaultConfig(), redo, newTimelineFn)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tn.Close()) })

	seedTimeline := func(id pageid.TimelineID, diskConsistentLsn pageid.Lsn) {
		tlDir := filepath.Join(dir, "timelines", id.String())
		require.NoError(t, os.MkdirAll(tlDir, 0755))
		meta := timeline.Metadata{
			DiskConsistentLsn: diskConsistentLsn,
			PrevRecordLsn:     pageid.InvalidLsn,
			PgVersion:         160000,
		}
		require.NoError(t, timeline.WriteMetadataFile(tlDir, filepath.Join(tlDir, "metadata"), meta))
	}
	return tn, seedTimeline
}

func TestDiscoverAndListTimelines(t *testing.T) {
	tn, seed := newTestTenant(t)
	id := pageid.NewTimelineID()
	seed(id, pageid.Lsn(100))

	require.NoError(t, tn.DiscoverTimelines())
	got := tn.ListTimelines()
	require.Equal(t, []pageid.TimelineID{id}, got)
}

func TestDiscoverTimelinesAbsentRootIsNotError(t *testing.T) {
	tn, _ := newTestTenant(t)
	require.NoError(t, tn.DiscoverTimelines())
	require.Empty(t, tn.ListTimelines())
}

func TestGetTimelineLoadsOnFirstAccess(t *testing.T) {
	tn, seed := newTestTenant(t)
	id := pageid.NewTimelineID()
	seed(id, pageid.Lsn(100))
	require.NoError(t, tn.DiscoverTimelines())

	tl, err := tn.GetTimeline(id)
	require.NoError(t, err)
	require.Equal(t, timeline.StateActive, tl.State())
	require.Equal(t, pageid.Lsn(100), tl.DiskConsistentLsn())

	tl2, err := tn.GetTimeline(id)
	require.NoError(t, err)
	require.Same(t, tl, tl2)
}

func TestGetTimelineUnknownIDReturnsNotFound(t *testing.T) {
	tn, _ := newTestTenant(t)
	_, err := tn.GetTimeline(pageid.NewTimelineID())
	require.Error(t, err)
	var nf *timeline.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestGetTimelineLoadsAncestorChain(t *testing.T) {
	tn, seed := newTestTenant(t)
	parentID := pageid.NewTimelineID()
	childID := pageid.NewTimelineID()
	seed(parentID, pageid.Lsn(200))

	dir := tn.Dir
	childDir := filepath.Join(dir, "timelines", childID.String())
	require.NoError(t, os.MkdirAll(childDir, 0755))
	require.NoError(t, timeline.WriteMetadataFile(childDir, filepath.Join(childDir, "metadata"), timeline.Metadata{
		DiskConsistentLsn: pageid.Lsn(50),
		HasAncestor:       true,
		AncestorTimeline:  parentID,
		AncestorLsn:       pageid.Lsn(50),
		PgVersion:         160000,
	}))

	require.NoError(t, tn.DiscoverTimelines())
	child, err := tn.GetTimeline(childID)
	require.NoError(t, err)

	parentID2, branchLsn, ok := child.AncestorInfo()
	require.True(t, ok)
	require.Equal(t, parentID, parentID2)
	require.Equal(t, pageid.Lsn(50), branchLsn)
}

func TestBranchTimelineCreatesChildSlot(t *testing.T) {
	tn, seed := newTestTenant(t)
	parentID := pageid.NewTimelineID()
	seed(parentID, pageid.Lsn(100))
	require.NoError(t, tn.DiscoverTimelines())

	childID, err := tn.BranchTimeline(context.Background(), parentID, pageid.Lsn(100))
	require.NoError(t, err)

	ids := tn.ListTimelines()
	require.Contains(t, ids, childID)

	meta, err := timeline.ReadMetadataFile(filepath.Join(tn.Dir, "timelines", childID.String(), "metadata"))
	require.NoError(t, err)
	require.True(t, meta.HasAncestor)
	require.Equal(t, parentID, meta.AncestorTimeline)
	require.Equal(t, pageid.Lsn(100), meta.AncestorLsn)
}

func TestBranchTimelineDefaultsStartLsnToParentLastRecord(t *testing.T) {
	tn, seed := newTestTenant(t)
	parentID := pageid.NewTimelineID()
	seed(parentID, pageid.Lsn(300))
	require.NoError(t, tn.DiscoverTimelines())

	childID, err := tn.BranchTimeline(context.Background(), parentID, pageid.InvalidLsn)
	require.NoError(t, err)

	meta, err := timeline.ReadMetadataFile(filepath.Join(tn.Dir, "timelines", childID.String(), "metadata"))
	require.NoError(t, err)
	require.Equal(t, pageid.Lsn(300), meta.AncestorLsn)
}

func TestBranchTimelineBelowGcCutoffFails(t *testing.T) {
	tn, _ := newTestTenant(t)
	parentID := pageid.NewTimelineID()
	parentDir := filepath.Join(tn.Dir, "timelines", parentID.String())
	require.NoError(t, os.MkdirAll(parentDir, 0755))
	require.NoError(t, timeline.WriteMetadataFile(parentDir, filepath.Join(parentDir, "metadata"), timeline.Metadata{
		DiskConsistentLsn: pageid.Lsn(100),
		LatestGcCutoffLsn: pageid.Lsn(50),
		PgVersion:         160000,
	}))
	require.NoError(t, tn.DiscoverTimelines())

	_, err := tn.BranchTimeline(context.Background(), parentID, pageid.Lsn(10))
	require.Error(t, err)
	var conflict *timeline.ErrConflict
	require.ErrorAs(t, err, &conflict)
}

func TestCurrentIndexPartReflectsTimelineState(t *testing.T) {
	tn, seed := newTestTenant(t)
	id := pageid.NewTimelineID()
	seed(id, pageid.Lsn(150))
	require.NoError(t, tn.DiscoverTimelines())

	ip, err := tn.CurrentIndexPart(id)
	require.NoError(t, err)
	require.Equal(t, pageid.Lsn(150), ip.DiskConsistentLsn)
	require.False(t, ip.HasAncestor)
}

func TestDetachAncestorRequiresExistingAncestor(t *testing.T) {
	tn, seed := newTestTenant(t)
	id := pageid.NewTimelineID()
	seed(id, pageid.Lsn(100))
	require.NoError(t, tn.DiscoverTimelines())

	err := tn.DetachAncestor(context.Background(), id)
	require.Error(t, err)
	var conflict *timeline.ErrConflict
	require.ErrorAs(t, err, &conflict)
}

func TestDetachAncestorIsIdempotentOnceDone(t *testing.T) {
	tn, seed := newTestTenant(t)
	parentID := pageid.NewTimelineID()
	childID := pageid.NewTimelineID()
	seed(parentID, pageid.Lsn(200))

	childDir := filepath.Join(tn.Dir, "timelines", childID.String())
	require.NoError(t, os.MkdirAll(childDir, 0755))
	require.NoError(t, timeline.WriteMetadataFile(childDir, filepath.Join(childDir, "metadata"), timeline.Metadata{
		DiskConsistentLsn: pageid.Lsn(50),
		HasAncestor:       true,
		AncestorTimeline:  parentID,
		AncestorLsn:       pageid.Lsn(50),
		PgVersion:         160000,
	}))
	require.NoError(t, tn.DiscoverTimelines())

	require.NoError(t, tn.sidecar.SaveDetachState(childID, sidecar.DetachAncestorState{
		DetachedPreviousAncestor: parentID,
		HasPrevious:              true,
		GcBlockingReason:         "done",
	}))

	err := tn.DetachAncestor(context.Background(), childID)
	require.NoError(t, err)
}
