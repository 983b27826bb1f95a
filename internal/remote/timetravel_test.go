package remote

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagestore/pageserver/internal/remote/objstore"
	"github.com/pagestore/pageserver/pkg/pageid"
)

func TestRestoreAsOfPicksNewestSnapshotAtOrBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	tl := pageid.NewTimelineID()

	older := NewIndexPart(tenant, tl)
	older.DiskConsistentLsn = 10
	olderBuf, err := older.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, indexPartSnapshotKey(tenant, tl, 10), bytes.NewReader(olderBuf), int64(len(olderBuf))))

	newer := NewIndexPart(tenant, tl)
	newer.DiskConsistentLsn = 20
	newerBuf, err := newer.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, indexPartSnapshotKey(tenant, tl, 20), bytes.NewReader(newerBuf), int64(len(newerBuf))))

	c, err := NewClient(tenant, store, nil, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	restored, err := c.RestoreAsOf(ctx, tl, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, pageid.Lsn(20), restored.DiskConsistentLsn)

	rc, _, err := store.Get(ctx, indexPartKey(tenant, tl))
	require.NoError(t, err)
	defer rc.Close()
}

func TestRestoreAsOfNoSnapshotsErrors(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewLocalDisk(t.TempDir())
	tenant := pageid.NewTenantID()
	tl := pageid.NewTimelineID()

	c, err := NewClient(tenant, store, nil, 16)
	require.NoError(t, err)
	defer c.Shutdown()

	_, err = c.RestoreAsOf(ctx, tl, time.Now())
	require.Error(t, err)
}
