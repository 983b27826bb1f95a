package walredo

import (
	"context"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// TestManager is a deterministic stand-in redo executor used by this
// repository's own tests (redo must be a pure function of its inputs; a
// real Postgres executor is out of scope here). It
// "replays" WAL records in the order given by copying each record's Bytes
// over the start of the page (a WillInit record zeroes the page first);
// bytes past the record's length keep their previous content, and Bytes
// longer than PageSize are truncated. This keeps tests fast
// and fully deterministic without pretending to emulate Postgres redo.
type TestManager struct{}

// NewTestManager returns a TestManager.
func NewTestManager() *TestManager { return &TestManager{} }

func (m *TestManager) Redo(_ context.Context, _ pageid.Key, _ pageid.Lsn, baseImg []byte, records []WalRecord) ([]byte, error) {
	page := make([]byte, pageid.PageSize)
	if len(baseImg) > 0 {
		copy(page, baseImg)
	}
	for _, rec := range records {
		if rec.WillInit {
			for i := range page {
				page[i] = 0
			}
		}
		copy(page, rec.Bytes)
	}
	return page, nil
}
