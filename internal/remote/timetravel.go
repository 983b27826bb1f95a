package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// indexPartSnapshotKey names a generation-numbered copy of the index
// manifest, keyed by disk_consistent_lsn so snapshots sort and
// deduplicate naturally, implementing time-travel recovery without
// relying on the bucket's native object versioning. Object-store-native
// versioning isn't something every backend here exposes uniformly
// (local disk and some S3-compatible services don't), so this engine
// keeps its own append-only snapshot trail instead of depending on it.
func indexPartSnapshotKey(tenant pageid.TenantID, tl pageid.TimelineID, lsn pageid.Lsn) string {
	return fmt.Sprintf("%s/%s/index_part.json.%020d", tenant, tl, uint64(lsn))
}

// RestoreAsOf implements time-travel recovery: find the
// newest index part snapshot whose upload time is at or before asOf, and
// republish it as the live manifest. Returns the restored IndexPart so
// the caller can reconcile local layer state against it.
func (c *Client) RestoreAsOf(ctx context.Context, tl pageid.TimelineID, asOf time.Time) (*IndexPart, error) {
	prefix := fmt.Sprintf("%s/%s/index_part.json.", c.tenant, tl)
	entries, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("remote: restore-as-of: list snapshots: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("remote: restore-as-of: no index snapshots for timeline %s", tl)
	}

	var candidates []objstoreEntryWithKey
	for _, e := range entries {
		if e.Attrs.ModTime.After(asOf) {
			continue
		}
		candidates = append(candidates, objstoreEntryWithKey{key: e.Key, modTime: e.Attrs.ModTime})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("remote: restore-as-of: no snapshot at or before %s for timeline %s", asOf, tl)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })
	newest := candidates[len(candidates)-1]

	rc, _, err := c.store.Get(ctx, newest.key)
	if err != nil {
		return nil, fmt.Errorf("remote: restore-as-of: fetch snapshot %s: %w", newest.key, err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("remote: restore-as-of: read snapshot %s: %w", newest.key, err)
	}
	ip, err := DecodeIndexPart(buf)
	if err != nil {
		return nil, err
	}

	key := indexPartKey(c.tenant, tl)
	if err := c.store.Put(ctx, key, bytes.NewReader(buf), int64(len(buf))); err != nil {
		return nil, fmt.Errorf("remote: restore-as-of: republish manifest: %w", err)
	}
	return ip, nil
}

type objstoreEntryWithKey struct {
	key     string
	modTime time.Time
}
