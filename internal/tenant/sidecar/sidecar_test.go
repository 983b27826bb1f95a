package sidecar

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/pkg/pageid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testKeyRange(lo, hi uint32) pageid.KeyRange {
	return pageid.KeyRange{Lo: pageid.Key{Field6: lo}, Hi: pageid.Key{Field6: hi}}
}

func TestRecordAndListWanted(t *testing.T) {
	s := openTestStore(t)
	tl := pageid.NewTimelineID()

	kr1 := testKeyRange(1, 10)
	kr2 := testKeyRange(20, 30)
	require.NoError(t, s.RecordWanted(tl, kr1))
	require.NoError(t, s.RecordWanted(tl, kr2))

	got, err := s.ListWanted(tl)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got, kr1)
	require.Contains(t, got, kr2)
}

func TestListWantedIsolatedPerTimeline(t *testing.T) {
	s := openTestStore(t)
	tlA := pageid.NewTimelineID()
	tlB := pageid.NewTimelineID()

	require.NoError(t, s.RecordWanted(tlA, testKeyRange(1, 10)))

	got, err := s.ListWanted(tlB)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClearWantedRemovesRange(t *testing.T) {
	s := openTestStore(t)
	tl := pageid.NewTimelineID()
	kr := testKeyRange(1, 10)

	require.NoError(t, s.RecordWanted(tl, kr))
	require.NoError(t, s.ClearWanted(tl, kr))

	got, err := s.ListWanted(tl)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDetachStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tl := pageid.NewTimelineID()

	_, found, err := s.LoadDetachState(tl)
	require.NoError(t, err)
	require.False(t, found)

	prev := pageid.NewTimelineID()
	st := DetachAncestorState{
		DetachedPreviousAncestor: prev,
		HasPrevious:              true,
		GcBlockingReason:         "done",
		ReparentedChildren:       []pageid.TimelineID{pageid.NewTimelineID()},
	}
	require.NoError(t, s.SaveDetachState(tl, st))

	got, found, err := s.LoadDetachState(tl)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, st, got)
}

func TestClearDetachStateRemovesMarker(t *testing.T) {
	s := openTestStore(t)
	tl := pageid.NewTimelineID()

	require.NoError(t, s.SaveDetachState(tl, DetachAncestorState{GcBlockingReason: "in progress"}))
	require.NoError(t, s.ClearDetachState(tl))

	_, found, err := s.LoadDetachState(tl)
	require.NoError(t, err)
	require.False(t, found)
}
