package layer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/pkg/pageid"
)

func TestInMemoryLayerPutAndGet(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 10)
	require.NoError(t, err)

	require.NoError(t, l.Put(key(1), 10, Value{Image: []byte("v10")}))
	require.NoError(t, l.Put(key(1), 20, Value{Record: walRecord("rec20", false)}))

	var state ReconstructState
	res, err := l.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 25}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Len(t, state.Records, 1)
}

func TestInMemoryLayerRejectsNonMonotonicLsn(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 10)
	require.NoError(t, err)

	require.NoError(t, l.Put(key(1), 20, Value{Image: []byte("v")}))
	err = l.Put(key(1), 15, Value{Image: []byte("v")})
	require.ErrorIs(t, err, ErrLsnNotMonotonic)
}

func TestInMemoryLayerPutAfterFreezeFails(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 10)
	require.NoError(t, err)
	l.Freeze(20)

	err = l.Put(key(1), 15, Value{Image: []byte("v")})
	require.Error(t, err)
}

func TestInMemoryLayerLsnRangeBeforeAndAfterFreeze(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 10)
	require.NoError(t, err)

	lo, hi := l.LsnRange()
	require.Equal(t, pageid.Lsn(10), lo)
	require.Equal(t, pageid.MaxLsn, hi)

	l.Freeze(30)
	lo, hi = l.LsnRange()
	require.Equal(t, pageid.Lsn(10), lo)
	require.Equal(t, pageid.Lsn(30), hi)
}

func TestInMemoryLayerGetValueReconstructDataStopsAtWillInit(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 1)
	require.NoError(t, err)

	require.NoError(t, l.Put(key(1), 1, Value{Record: walRecord("will-init", true)}))
	require.NoError(t, l.Put(key(1), 2, Value{Record: walRecord("after", false)}))

	var state ReconstructState
	res, err := l.GetValueReconstructData(key(1), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultComplete, res)
	require.Len(t, state.Records, 2)
}

func TestInMemoryLayerMissingKey(t *testing.T) {
	dir := t.TempDir()
	l, err := NewInMemoryLayer(dir, 1)
	require.NoError(t, err)

	var state ReconstructState
	res, err := l.GetValueReconstructData(key(99), pageid.LsnRange{Lo: 0, Hi: 10}, &state)
	require.NoError(t, err)
	require.Equal(t, ResultMissing, res)
}
