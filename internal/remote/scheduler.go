package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pagestore/pageserver/pkg/pageid"

	"github.com/pagestore/pageserver/internal/remote/objstore"
)

// task is one queued upload/deletion/reparent op. Submission order per
// timeline is preserved by a single worker goroutine draining a buffered
// channel, so uploads for one timeline always happen in the order they
// were scheduled -- the same single-flusher-per-timeline discipline
// internal/timeline/flush.go uses for local writes, generalized to the
// remote queue.
type task struct {
	kind     taskKind
	timeline pageid.TimelineID
	layer    string // local path (upload) or remote key suffix (delete)
	done     chan error
}

type taskKind int

const (
	taskUploadLayer taskKind = iota
	taskUploadIndex
	taskDeleteLayer
	taskBarrier
)

// IndexProvider supplies the current in-memory IndexPart for a timeline
// at the moment a ScheduleIndexUpload drains, so the uploaded manifest
// always reflects live state rather than a stale snapshot taken at
// schedule time.
type IndexProvider interface {
	CurrentIndexPart(timeline pageid.TimelineID) (*IndexPart, error)
}

// Client schedules and serializes remote uploads/deletions for every
// timeline of one tenant, implementing internal/timeline.UploadScheduler.
type Client struct {
	tenant pageid.TenantID
	store  objstore.Store
	index  IndexProvider

	mu     sync.Mutex
	queues map[pageid.TimelineID]chan task
	wg     sync.WaitGroup

	// etagCache is keyed by a layer's remote object key: uploadLayer adds
	// an entry for each layer it uploads and deleteLayer removes it.
	// Nothing reads the cache, so it saves no remote round trip.
	etagCache *lru.Cache
}

// NewClient constructs a Client. cacheSize bounds the ETag/mtime cache,
// the same fixed-capacity-LRU shape golang-lru provides throughout the
// ecosystem for exactly this "remember recent remote metadata" role.
func NewClient(tenant pageid.TenantID, store objstore.Store, index IndexProvider, cacheSize int) (*Client, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		tenant:    tenant,
		store:     store,
		index:     index,
		queues:    map[pageid.TimelineID]chan task{},
		etagCache: cache,
	}, nil
}

func (c *Client) queueFor(tl pageid.TimelineID) chan task {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[tl]
	if ok {
		return q
	}
	q = make(chan task, 256)
	c.queues[tl] = q
	c.wg.Add(1)
	go c.drain(tl, q)
	return q
}

func (c *Client) drain(tl pageid.TimelineID, q chan task) {
	defer c.wg.Done()
	for t := range q {
		err := c.run(context.Background(), t)
		if err != nil {
			log.Warn("remote: task failed", "timeline", tl, "kind", t.kind, "err", err)
		}
		if t.done != nil {
			t.done <- err
		}
	}
}

func (c *Client) run(ctx context.Context, t task) error {
	switch t.kind {
	case taskUploadLayer:
		return c.uploadLayer(ctx, t.timeline, t.layer)
	case taskUploadIndex:
		return c.uploadIndex(ctx, t.timeline)
	case taskDeleteLayer:
		return c.deleteLayer(ctx, t.timeline, t.layer)
	case taskBarrier:
		return nil
	default:
		return fmt.Errorf("remote: unknown task kind %d", t.kind)
	}
}

func (c *Client) uploadLayer(ctx context.Context, tl pageid.TimelineID, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: open %s: %w", localPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	filename := filepath.Base(localPath)
	key := layerKey(c.tenant, tl, filename)
	if err := retry.Do(func() error {
		return c.store.Put(ctx, key, f, fi.Size())
	}, retry.Context(ctx), retry.Attempts(5)); err != nil {
		return fmt.Errorf("remote: upload layer %s: %w", key, err)
	}
	attrs, err := c.store.Head(ctx, key)
	if err == nil {
		c.etagCache.Add(key, attrs)
	}
	log.Info("remote: uploaded layer", "timeline", tl, "file", filename, "size", fi.Size())
	return nil
}

func (c *Client) uploadIndex(ctx context.Context, tl pageid.TimelineID) error {
	if c.index == nil {
		return nil
	}
	ip, err := c.index.CurrentIndexPart(tl)
	if err != nil {
		return fmt.Errorf("remote: current index part: %w", err)
	}
	buf, err := ip.Encode()
	if err != nil {
		return err
	}
	key := indexPartKey(c.tenant, tl)
	if err := retry.Do(func() error {
		return c.store.Put(ctx, key, bytes.NewReader(buf), int64(len(buf)))
	}, retry.Context(ctx), retry.Attempts(5)); err != nil {
		return fmt.Errorf("remote: upload index %s: %w", key, err)
	}
	// Also keep a generation-numbered snapshot so RestoreAsOf has something to scan: the live
	// index_part.json is overwritten on every upload and carries no
	// history of its own.
	snapKey := indexPartSnapshotKey(c.tenant, tl, ip.DiskConsistentLsn)
	if err := c.store.Put(ctx, snapKey, bytes.NewReader(buf), int64(len(buf))); err != nil {
		log.Warn("remote: failed to write index part snapshot", "timeline", tl, "err", err)
	}
	log.Info("remote: uploaded index part", "timeline", tl, "disk_consistent_lsn", ip.DiskConsistentLsn)
	return nil
}

func (c *Client) deleteLayer(ctx context.Context, tl pageid.TimelineID, filename string) error {
	key := layerKey(c.tenant, tl, filename)
	c.etagCache.Remove(key)
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("remote: delete layer %s: %w", key, err)
	}
	return nil
}

// ScheduleLayerUpload implements internal/timeline.UploadScheduler.
func (c *Client) ScheduleLayerUpload(timeline pageid.TimelineID, localPath string) {
	c.queueFor(timeline) <- task{kind: taskUploadLayer, timeline: timeline, layer: localPath}
}

// ScheduleIndexUpload implements internal/timeline.UploadScheduler.
func (c *Client) ScheduleIndexUpload(timeline pageid.TimelineID) {
	c.queueFor(timeline) <- task{kind: taskUploadIndex, timeline: timeline}
}

// ScheduleLayerDeletion enqueues a remote object removal once local GC
// has confirmed the layer has no in-flight readers.
func (c *Client) ScheduleLayerDeletion(timeline pageid.TimelineID, filename string) {
	c.queueFor(timeline) <- task{kind: taskDeleteLayer, timeline: timeline, layer: filename}
}

// WaitCompletion blocks until every task scheduled for timeline so far
// has drained, used by GC to await in-flight uploads before trusting the
// remote manifest reflects the layers about to be deleted locally.
func (c *Client) WaitCompletion(timeline pageid.TimelineID) error {
	done := make(chan error, 1)
	c.queueFor(timeline) <- task{kind: taskBarrier, timeline: timeline, done: done}
	return <-done
}

// CopyTimelineLayer implements detach-ancestor's remote-side copy of a
// non-straddling historic layer from the ancestor's remote prefix into
// the child's own, using the store's server-side Copy where available
// instead of a download+reupload round trip.
func (c *Client) CopyTimelineLayer(ctx context.Context, srcTimeline, dstTimeline pageid.TimelineID, filename string) error {
	src := layerKey(c.tenant, srcTimeline, filename)
	dst := layerKey(c.tenant, dstTimeline, filename)
	if err := c.store.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("remote: copy timeline layer %s -> %s: %w", src, dst, err)
	}
	return nil
}

// Shutdown closes every per-timeline queue and waits for drain to finish.
func (c *Client) Shutdown() {
	c.mu.Lock()
	qs := make([]chan task, 0, len(c.queues))
	for _, q := range c.queues {
		qs = append(qs, q)
	}
	c.mu.Unlock()
	for _, q := range qs {
		close(q)
	}
	c.wg.Wait()
}
