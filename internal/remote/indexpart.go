// Package remote implements the upload/download scheduling and index
// manifest: every timeline's durable state is mirrored to an
// objstore.Store as a set of immutable layer files plus one small
// mutable "index part" manifest naming which layers are live.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// IndexPart is the per-timeline manifest uploaded after every metadata
// change: the set of layer files that exist remotely, plus enough of the
// timeline's metadata to resume without re-deriving it from layer
// contents.
type IndexPart struct {
	Version           int                    `json:"version"`
	TenantID          pageid.TenantID        `json:"tenant_id"`
	TimelineID        pageid.TimelineID      `json:"timeline_id"`
	DiskConsistentLsn pageid.Lsn             `json:"disk_consistent_lsn"`
	LatestGcCutoffLsn pageid.Lsn             `json:"latest_gc_cutoff_lsn"`
	Layers            map[string]LayerEntry  `json:"layer_metadata"`
	HasAncestor       bool                   `json:"has_ancestor"`
	AncestorTimeline  pageid.TimelineID      `json:"ancestor_timeline,omitempty"`
	AncestorLsn       pageid.Lsn             `json:"ancestor_lsn,omitempty"`
}

// LayerEntry records the remote-side bookkeeping for one layer file: its
// byte size. The size is only recorded; nothing compares it against the
// uploaded object.
type LayerEntry struct {
	FileSize int64 `json:"file_size"`
}

const IndexPartVersion = 1

// NewIndexPart returns an empty manifest for a freshly created timeline.
func NewIndexPart(tenant pageid.TenantID, tl pageid.TimelineID) *IndexPart {
	return &IndexPart{
		Version:    IndexPartVersion,
		TenantID:   tenant,
		TimelineID: tl,
		Layers:     map[string]LayerEntry{},
	}
}

func indexPartKey(tenant pageid.TenantID, tl pageid.TimelineID) string {
	return fmt.Sprintf("%s/%s/index_part.json", tenant, tl)
}

func layerKey(tenant pageid.TenantID, tl pageid.TimelineID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, tl, filename)
}

// Encode/Decode round-trip IndexPart through JSON, a human-inspectable
// manifest format for operational debugging.
func (ip *IndexPart) Encode() ([]byte, error) { return json.MarshalIndent(ip, "", "  ") }

func DecodeIndexPart(buf []byte) (*IndexPart, error) {
	var ip IndexPart
	if err := json.Unmarshal(buf, &ip); err != nil {
		return nil, fmt.Errorf("remote: decode index part: %w", err)
	}
	return &ip, nil
}
