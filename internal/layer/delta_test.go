package layer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

func key(block uint32) pageid.Key {
	return pageid.Key{Field6: block}
}

func walRecord(body string, willInit bool) walredo.WalRecord {
	return walredo.WalRecord{WillInit: willInit, Bytes: []byte(body)}
}

func TestDeltaWriterFinishAndReadBack(t *testing.T) {
	dir := t.TempDir()
	lr := pageid.LsnRange{Lo: 10, Hi: 30}

	w, err := NewDeltaWriter(dir, key(1), lr)
	require.NoError(t, err)

	require.NoError(t, w.PutValue(key(1), 10, Value{Image: []byte("page-1-v10")}))
	require.NoError(t, w.PutValue(key(1), 20, Value{Record: walRecord("rec-1-v20", false)}))
	require.NoError(t, w.PutValue(key(2), 15, Value{Image: []byte("page-2-v15")}))

	dl, err := w.Finish(key(3))
	require.NoError(t, err)
	defer dl.Close()

	require.Equal(t, KindDelta, dl.Kind())
	require.False(t, dl.IsRemote())
	require.Equal(t, key(1), dl.KeyRange().Lo)
	require.Equal(t, key(3), dl.KeyRange().Hi)
	lo, hi := dl.LsnRange()
	require.Equal(t, pageid.Lsn(10), lo)
	require.Equal(t, pageid.Lsn(30), hi)

	var state ReconstructState
	res, err := dl.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 25}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Len(t, state.Records, 1)
	require.Equal(t, "rec-1-v20", string(state.Records[0].Bytes))
}

func TestDeltaWriterRejectsOutOfOrderPuts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeltaWriter(dir, key(1), pageid.LsnRange{Lo: 1, Hi: 100})
	require.NoError(t, err)

	require.NoError(t, w.PutValue(key(5), 10, Value{Image: []byte("x")}))
	err = w.PutValue(key(3), 10, Value{Image: []byte("y")})
	require.Error(t, err)
}

func TestDeltaLayerMissingKeyReturnsMissing(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeltaWriter(dir, key(1), pageid.LsnRange{Lo: 1, Hi: 10})
	require.NoError(t, err)
	require.NoError(t, w.PutValue(key(1), 5, Value{Image: []byte("v")}))
	dl, err := w.Finish(key(2))
	require.NoError(t, err)
	defer dl.Close()

	var state ReconstructState
	res, err := dl.GetValueReconstructData(key(99), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultMissing, res)
}

func TestOpenDeltaLayerReadsPersistedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeltaWriter(dir, key(1), pageid.LsnRange{Lo: 1, Hi: 10})
	require.NoError(t, err)
	require.NoError(t, w.PutValue(key(1), 5, Value{Image: []byte("persisted")}))
	dl, err := w.Finish(key(2))
	require.NoError(t, err)
	path := dl.LocalPath()
	require.NoError(t, dl.Close())

	reopened, err := OpenDeltaLayer(path)
	require.NoError(t, err)
	defer reopened.Close()

	var state ReconstructState
	res, err := reopened.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Equal(t, "persisted", string(state.Img))
}

func TestDeltaLayerIsL0(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDeltaWriter(dir, pageid.MinKey, pageid.LsnRange{Lo: 1, Hi: 10})
	require.NoError(t, err)
	dl, err := w.Finish(pageid.MaxKey)
	require.NoError(t, err)
	defer dl.Close()
	require.True(t, dl.IsL0())
}
