package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

func TestBeginModificationPutFinishWriteRoundTrip(t *testing.T) {
	tl := newLoadedTestTimeline(t) // DiskConsistentLsn = 100

	b := tl.BeginModification(pageid.Lsn(102))
	key := pageid.Key{Field6: 5}
	require.NoError(t, b.Put(key, pageid.Lsn(102), layer.Value{IsImage: true, Image: make([]byte, pageid.PageSize)}))
	b.FinishWrite(pageid.Lsn(102))

	require.Equal(t, pageid.Lsn(102), tl.LastRecordLsn())
}

func TestWriteBatchPutRejectsOddLsn(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	b := tl.BeginModification(pageid.Lsn(101))
	err := b.Put(pageid.Key{Field6: 1}, pageid.Lsn(101), layer.Value{IsImage: true, Image: make([]byte, pageid.PageSize)})
	require.Error(t, err)
	b.FinishWrite(tl.LastRecordLsn())
}

func TestWriteBatchPutRejectsNonAdvancingLsn(t *testing.T) {
	tl := newLoadedTestTimeline(t) // last_record_lsn = 100
	b := tl.BeginModification(pageid.Lsn(100))
	err := b.Put(pageid.Key{Field6: 1}, pageid.Lsn(100), layer.Value{IsImage: true, Image: make([]byte, pageid.PageSize)})
	require.Error(t, err)
	b.FinishWrite(tl.LastRecordLsn())
}

func TestBeginModificationSerializesWriters(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	b1 := tl.BeginModification(pageid.Lsn(102))
	acquired := make(chan struct{})
	go func() {
		b2 := tl.BeginModification(pageid.Lsn(104))
		close(acquired)
		b2.FinishWrite(pageid.Lsn(104))
	}()

	select {
	case <-acquired:
		t.Fatal("second BeginModification acquired the write lock while the first was still held")
	default:
	}
	b1.FinishWrite(pageid.Lsn(102))
	<-acquired
}

// ExtendRel must zero-fill every intervening block when a relation grows
// past its previous size, so later reads of the gap find a page instead
// of a traversal error -- mirroring a multi-block relation extension.
func TestExtendRelZeroFillsGapBlocks(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	rel := pageid.RelTag{Field1: 1, Field5: 0}

	b := tl.BeginModification(pageid.Lsn(102))
	require.NoError(t, b.ExtendRel(rel, 2))
	b.FinishWrite(pageid.Lsn(102))

	size, err := tl.RelSize(rel, pageid.Lsn(102))
	require.NoError(t, err)
	require.Equal(t, uint32(2), size)

	got, err := tl.Get(context.Background(), GetRequest{Key: rel.BlockKey(1), Lsn: pageid.Lsn(102)})
	require.NoError(t, err)
	require.True(t, allZero(got))

	// A second extension past a wide gap must zero-fill every block in
	// between, exercising many same-lsn Puts within one batch (the case
	// that used to trip the strict "<=" monotonicity check).
	b2 := tl.BeginModification(pageid.Lsn(104))
	require.NoError(t, b2.ExtendRel(rel, 50))
	b2.FinishWrite(pageid.Lsn(104))

	size, err = tl.RelSize(rel, pageid.Lsn(104))
	require.NoError(t, err)
	require.Equal(t, uint32(50), size)

	got, err = tl.Get(context.Background(), GetRequest{Key: rel.BlockKey(30), Lsn: pageid.Lsn(104)})
	require.NoError(t, err)
	require.True(t, allZero(got))
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestFreezeAndFlushWritesDeltaLayerAndAdvancesDiskConsistentLsn(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	b := tl.BeginModification(pageid.Lsn(102))
	key := pageid.Key{Field6: 9}
	page := make([]byte, pageid.PageSize)
	copy(page, []byte("frozen-page"))
	require.NoError(t, b.Put(key, pageid.Lsn(102), layer.Value{IsImage: true, Image: page}))
	// FinishWrite's maybeScheduleFreeze freezes and flushes automatically
	// on the very first write of a fresh timeline (lastFreezeTime is zero).
	b.FinishWrite(pageid.Lsn(102))

	require.Equal(t, pageid.Lsn(102), tl.DiskConsistentLsn())

	historic := tl.Layers().IterHistoricLayers()
	require.Len(t, historic, 1)
	_, ok := historic[0].(*layer.DeltaLayer)
	require.True(t, ok)
}
