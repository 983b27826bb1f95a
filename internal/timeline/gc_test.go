package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

func TestRunGcNoopWhenCutoffDoesNotAdvance(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	tl.conf.GcHorizon = pageid.Lsn(1000) // horizon cutoff would go negative/zero

	res, err := tl.RunGc(pageid.MaxLsn, nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.LayersRemoved)
	require.Equal(t, tl.LatestGcCutoffLsn(), res.NewGcCutoff)
}

func TestRunGcAdvancesCutoffAndPersistsMetadata(t *testing.T) {
	tl := newLoadedTestTimeline(t)
	tl.mu.Lock()
	tl.lastRecordLsn.Advance(pageid.Lsn(500))
	tl.conf.GcHorizon = pageid.Lsn(50)
	tl.mu.Unlock()

	res, err := tl.RunGc(pageid.MaxLsn, nil)
	require.NoError(t, err)
	require.Equal(t, pageid.Lsn(450), res.NewGcCutoff)
	require.Equal(t, pageid.Lsn(450), tl.LatestGcCutoffLsn())

	meta, err := ReadMetadataFile(tl.Dir + "/metadata")
	require.NoError(t, err)
	require.Equal(t, pageid.Lsn(450), meta.LatestGcCutoffLsn)
}

func TestRunGcRemovesCoveredDeltaLayer(t *testing.T) {
	tl := newLoadedTestTimeline(t)

	writer, err := layer.NewDeltaWriter(tl.Dir, pageid.MinKey, pageid.LsnRange{Lo: pageid.Lsn(1), Hi: pageid.Lsn(10)})
	require.NoError(t, err)
	dl, err := writer.Finish(pageid.MaxKey)
	require.NoError(t, err)

	imgWriter, err := layer.NewImageWriter(tl.Dir, pageid.MinKey, pageid.Lsn(20))
	require.NoError(t, err)
	imgLayer, err := imgWriter.Finish(pageid.MaxKey)
	require.NoError(t, err)

	batch := tl.Layers().BatchUpdates()
	batch.InsertHistoric(dl)
	batch.InsertHistoric(imgLayer)
	require.NoError(t, batch.Flush())

	tl.mu.Lock()
	tl.lastRecordLsn.Advance(pageid.Lsn(1000))
	tl.conf.GcHorizon = pageid.Lsn(10)
	tl.mu.Unlock()

	res, err := tl.RunGc(pageid.MaxLsn, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.LayersRemoved)

	historic := tl.Layers().IterHistoricLayers()
	require.Len(t, historic, 1)
	_, isImage := historic[0].(*layer.ImageLayer)
	require.True(t, isImage)
}
