package remote

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/remote/objstore"
	"github.com/pagestore/pageserver/pkg/pageid"
)

type fakeIndexProvider struct {
	ip *IndexPart
}

func (f *fakeIndexProvider) CurrentIndexPart(pageid.TimelineID) (*IndexPart, error) {
	return f.ip, nil
}

func TestScheduleLayerUploadAndWaitCompletion(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	tl := pageid.NewTimelineID()

	c, err := NewClient(tenant, store, nil, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	srcDir := t.TempDir()
	localPath := filepath.Join(srcDir, "000000-000010.layer")
	require.NoError(t, os.WriteFile(localPath, []byte("layerbytes"), 0o644))

	c.ScheduleLayerUpload(tl, localPath)
	require.NoError(t, c.WaitCompletion(tl))

	key := layerKey(tenant, tl, "000000-000010.layer")
	rc, _, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
}

func TestScheduleIndexUploadWritesManifestAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	tl := pageid.NewTimelineID()

	ip := NewIndexPart(tenant, tl)
	ip.DiskConsistentLsn = 100

	c, err := NewClient(tenant, store, &fakeIndexProvider{ip: ip}, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	c.ScheduleIndexUpload(tl)
	require.NoError(t, c.WaitCompletion(tl))

	_, _, err = store.Get(ctx, indexPartKey(tenant, tl))
	require.NoError(t, err)

	_, _, err = store.Get(ctx, indexPartSnapshotKey(tenant, tl, ip.DiskConsistentLsn))
	require.NoError(t, err)
}

func TestScheduleLayerDeletionRemovesObject(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	tl := pageid.NewTimelineID()

	c, err := NewClient(tenant, store, nil, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	key := layerKey(tenant, tl, "x.layer")
	require.NoError(t, store.Put(ctx, key, bytes.NewReader([]byte("v")), 1))

	c.ScheduleLayerDeletion(tl, "x.layer")
	require.NoError(t, c.WaitCompletion(tl))

	_, _, err = store.Get(ctx, key)
	require.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestCopyTimelineLayerDuplicatesAcrossTimelines(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	src := pageid.NewTimelineID()
	dst := pageid.NewTimelineID()

	c, err := NewClient(tenant, store, nil, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	require.NoError(t, store.Put(ctx, layerKey(tenant, src, "a.layer"), bytes.NewReader([]byte("v")), 1))
	require.NoError(t, c.CopyTimelineLayer(ctx, src, dst, "a.layer"))

	_, _, err = store.Get(ctx, layerKey(tenant, dst, "a.layer"))
	require.NoError(t, err)
}
