package timeline

import (
	"fmt"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// RelSize returns a relation fork's size in blocks as of lsn: one more
// than the highest block number any layer holds for it at or before lsn.
// Relation extension leaves intervening blocks zero-filled rather than
// absent (see WriteBatch.ExtendRel), so a relation's size is exactly the
// highest written block plus one -- there are no unwritten holes to
// reason about at read time.
func (t *Timeline) RelSize(rel pageid.RelTag, lsn pageid.Lsn) (uint32, error) {
	hi, ok := t.layers.HighestBlock(rel.KeyRange(), lsn)
	if !ok {
		return 0, &ErrNotFound{What: fmt.Sprintf("relation %+v at or before lsn %s", rel, lsn)}
	}
	return hi + 1, nil
}
