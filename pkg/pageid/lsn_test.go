package pageid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLsnStringFormatsTwoHexHalves(t *testing.T) {
	require.Equal(t, "0/0", Lsn(0).String())
	require.Equal(t, "1/0", Lsn(1<<32).String())
	require.Equal(t, "0/A", Lsn(0xA).String())
}

func TestLsnPrevSaturatesAtZero(t *testing.T) {
	require.Equal(t, Lsn(0), Lsn(0).Prev())
	require.Equal(t, Lsn(4), Lsn(5).Prev())
}

func TestLsnNext(t *testing.T) {
	require.Equal(t, Lsn(6), Lsn(5).Next())
}

func TestLsnIsValid(t *testing.T) {
	require.False(t, InvalidLsn.IsValid())
	require.True(t, Lsn(1).IsValid())
}

func TestLsnRangeContains(t *testing.T) {
	r := LsnRange{Lo: 10, Hi: 20}
	require.True(t, r.Contains(10))
	require.True(t, r.Contains(19))
	require.False(t, r.Contains(20))
	require.False(t, r.Contains(9))
}
