package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPageServerConf(t *testing.T) {
	c := DefaultPageServerConf()
	require.Equal(t, 512, c.PageCacheSizeMiB)
	require.Equal(t, 4, c.FlushWorkers)
	require.Equal(t, 2, c.CompactWorkers)
	require.Equal(t, 1, c.GcWorkers)
	require.Equal(t, 4, c.UploadWorkers)
	require.Equal(t, RemoteStorageNone, c.RemoteStorage.Kind)
}

func TestLoadPageServerConfAbsentFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadPageServerConf(dir)
	require.NoError(t, err)
	require.Equal(t, dir, c.Workdir)
	require.Equal(t, DefaultPageServerConf().PageCacheSizeMiB, c.PageCacheSizeMiB)
}

func TestLoadPageServerConfParsesFile(t *testing.T) {
	dir := t.TempDir()
	toml := `
page_cache_size_mib = 1024
flush_workers = 8

[remote_storage]
kind = "local"
local_path = "remote"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pageserver.toml"), []byte(toml), 0o644))

	c, err := LoadPageServerConf(dir)
	require.NoError(t, err)
	require.Equal(t, dir, c.Workdir)
	require.Equal(t, 1024, c.PageCacheSizeMiB)
	require.Equal(t, 8, c.FlushWorkers)
	require.Equal(t, RemoteStorageLocal, c.RemoteStorage.Kind)
	require.Equal(t, "remote", c.RemoteStorage.LocalPath)
}

func TestLoadPageServerConfRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pageserver.toml"), []byte("not valid toml [["), 0o644))

	_, err := LoadPageServerConf(dir)
	require.Error(t, err)
}

func TestTimelineDefaultsAppliesTenantOverride(t *testing.T) {
	c := DefaultPageServerConf()
	c.DefaultTenantConf.ImageCreationThreshold = 42

	tc := c.TimelineDefaults()
	require.Equal(t, 42, tc.ImageCreationThreshold)
}

func TestBuildObjectStoreNone(t *testing.T) {
	c := DefaultPageServerConf()
	store, err := c.BuildObjectStore(context.Background())
	require.NoError(t, err)
	require.Nil(t, store)
}

func TestBuildObjectStoreLocalDefaultsUnderWorkdir(t *testing.T) {
	dir := t.TempDir()
	c := DefaultPageServerConf()
	c.Workdir = dir
	c.RemoteStorage.Kind = RemoteStorageLocal

	store, err := c.BuildObjectStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestBuildObjectStoreLocalExplicitPath(t *testing.T) {
	dir := t.TempDir()
	c := DefaultPageServerConf()
	c.Workdir = dir
	c.RemoteStorage.Kind = RemoteStorageLocal
	c.RemoteStorage.LocalPath = filepath.Join(dir, "custom")

	store, err := c.BuildObjectStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestBuildObjectStoreUnknownKind(t *testing.T) {
	c := DefaultPageServerConf()
	c.RemoteStorage.Kind = RemoteStorageKind("bogus")

	_, err := c.BuildObjectStore(context.Background())
	require.Error(t, err)
	var unknown *ErrUnknownRemoteStorageKind
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "bogus", unknown.Kind)
}
