package layer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/pkg/pageid"
)

func TestImageWriterFinishAndReadBack(t *testing.T) {
	dir := t.TempDir()

	w, err := NewImageWriter(dir, key(1), 42)
	require.NoError(t, err)
	require.NoError(t, w.PutImage(key(1), []byte("image-1")))
	require.NoError(t, w.PutImage(key(2), []byte("image-2")))

	il, err := w.Finish(key(3))
	require.NoError(t, err)
	defer il.Close()

	require.Equal(t, KindImage, il.Kind())
	require.Equal(t, pageid.Lsn(42), il.At())
	lo, hi := il.LsnRange()
	require.Equal(t, pageid.Lsn(42), lo)
	require.Equal(t, pageid.Lsn(43), hi)

	var state ReconstructState
	res, err := il.GetValueReconstructData(key(2), pageid.LsnRange{Lo: 0, Hi: 100}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Equal(t, "image-2", string(state.Img))
}

func TestImageWriterRejectsDuplicateKey(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, key(1), 1)
	require.NoError(t, err)
	require.NoError(t, w.PutImage(key(1), []byte("v")))
	err = w.PutImage(key(1), []byte("v2"))
	require.Error(t, err)
}

func TestImageLayerMissingKeyReturnsMissing(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, key(1), 1)
	require.NoError(t, err)
	require.NoError(t, w.PutImage(key(1), []byte("v")))
	il, err := w.Finish(key(2))
	require.NoError(t, err)
	defer il.Close()

	var state ReconstructState
	res, err := il.GetValueReconstructData(key(99), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultMissing, res)
}

func TestImageLayerLsnOutOfRangeReturnsMissing(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, key(1), 50)
	require.NoError(t, err)
	require.NoError(t, w.PutImage(key(1), []byte("v")))
	il, err := w.Finish(key(2))
	require.NoError(t, err)
	defer il.Close()

	var state ReconstructState
	res, err := il.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultMissing, res)
}

func TestOpenImageLayerReadsPersistedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, key(1), 7)
	require.NoError(t, err)
	require.NoError(t, w.PutImage(key(1), []byte("persisted-image")))
	il, err := w.Finish(key(2))
	require.NoError(t, err)
	path := il.LocalPath()
	require.NoError(t, il.Close())

	reopened, err := OpenImageLayer(path)
	require.NoError(t, err)
	defer reopened.Close()

	var state ReconstructState
	res, err := reopened.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Equal(t, "persisted-image", string(state.Img))
}
