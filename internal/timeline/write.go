package timeline

import (
	"errors"
	"fmt"

	"github.com/pagestore/pageserver/internal/layer"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// WriteBatch is the handle returned by BeginModification: an exclusive
// writer serialized against every other writer on this timeline.
type WriteBatch struct {
	t   *Timeline
	lsn pageid.Lsn
}

// BeginModification acquires the timeline's write lock and returns a
// batch positioned at lsn. The lock is held until FinishWrite (or the
// caller abandons the batch, which the next BeginModification call will
// simply block until released -- there is no separate Abort; only one
// writer may hold the batch at a time.
func (t *Timeline) BeginModification(lsn pageid.Lsn) *WriteBatch {
	t.writeLock.Lock()
	return &WriteBatch{t: t, lsn: lsn}
}

// Put appends (key, lsn, value) to the open in-memory layer. lsn must be
// strictly greater than the timeline's last_record_lsn and even-aligned.
func (b *WriteBatch) Put(key pageid.Key, lsn pageid.Lsn, v layer.Value) error {
	if lsn%2 != 0 {
		return fmt.Errorf("timeline: lsn %s is not even-aligned", lsn)
	}
	if lsn <= b.t.LastRecordLsn() {
		return fmt.Errorf("timeline: put lsn %s does not exceed last_record_lsn %s", lsn, b.t.LastRecordLsn())
	}
	open := b.t.layers.Open()
	if open == nil {
		return fmt.Errorf("timeline: no open in-memory layer")
	}
	if err := open.Put(key, lsn, v); err != nil {
		return err
	}
	b.t.StageForFlush(key, lsn, v)
	return nil
}

// ExtendRel grows rel to newNblocks blocks as of this batch's lsn. Blocks
// between the relation's current size and newNblocks are written as
// explicit zero-page images: a relation extension reserves the new
// blocks without writing their content, and the storage layer must still
// materialize something for them so later reads find a page instead of
// hitting a traversal error.
func (b *WriteBatch) ExtendRel(rel pageid.RelTag, newNblocks uint32) error {
	oldNblocks, err := b.t.RelSize(rel, b.lsn.Prev())
	if err != nil {
		var notFound *ErrNotFound
		if !errors.As(err, &notFound) {
			return err
		}
		oldNblocks = 0
	}
	zero := make([]byte, pageid.PageSize)
	for blk := oldNblocks; blk < newNblocks; blk++ {
		if err := b.Put(rel.BlockKey(blk), b.lsn, layer.Value{IsImage: true, Image: zero}); err != nil {
			return err
		}
	}
	return nil
}

// FinishWrite advances last_record_lsn to newLsn, wakes every wait_lsn
// subscriber, and releases the write lock.
func (b *WriteBatch) FinishWrite(newLsn pageid.Lsn) {
	b.t.mu.Lock()
	b.t.prevRecordLsn = b.t.lastRecordLsn.Current()
	b.t.mu.Unlock()
	b.t.lastRecordLsn.Advance(newLsn)
	b.t.writeLock.Unlock()

	b.t.maybeScheduleFreeze(newLsn)
}
