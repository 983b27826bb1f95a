package tenant

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/timeline"
)

func TestConfigApplyOverlaysNonZeroFields(t *testing.T) {
	base := timeline.DefaultConfig()
	c := Config{
		CheckpointDistanceBytes: 64 << 20,
		GcHorizonBytes:          32 << 20,
	}

	out := c.Apply(base)
	require.Equal(t, int64(64<<20), out.CheckpointDistance)
	require.Equal(t, base.CheckpointTimeout, out.CheckpointTimeout)
	require.EqualValues(t, 32<<20, out.GcHorizon)
	require.Equal(t, base.TargetFileSize, out.TargetFileSize)
}

func TestConfigApplyZeroValueKeepsBase(t *testing.T) {
	base := timeline.DefaultConfig()
	out := Config{}.Apply(base)
	require.Equal(t, base, out)
}

func TestLoadConfigAbsentFileReturnsNotPresent(t *testing.T) {
	c, present, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.False(t, present)
	require.Equal(t, Config{}, c)
}

func TestLoadConfigParsesTomlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant.toml")
	body := "checkpoint_distance = 1048576\npitr_interval_secs = 3600\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, present, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(1048576), c.CheckpointDistanceBytes)
	require.Equal(t, int64(3600), c.PitrIntervalSecs)
}

func TestLoadConfigMalformedFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))

	_, _, err := LoadConfig(path)
	require.Error(t, err)
}

func TestWatchConfigFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant.toml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint_distance = 1\n"), 0644))

	changed := make(chan Config, 1)
	w, err := WatchConfig(path, func(c Config) { changed <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("checkpoint_distance = 2\n"), 0644))

	select {
	case c := <-changed:
		require.Equal(t, int64(2), c.CheckpointDistanceBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire on config change")
	}
}
