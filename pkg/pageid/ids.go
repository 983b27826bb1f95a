package pageid

import "github.com/google/uuid"

// TenantID and TimelineID are the 128-bit identifiers used throughout
// the on-disk layout and wire protocol. google/uuid backs both: it is
// already this codebase's dependency of choice for 128-bit random ids.
type TenantID uuid.UUID

// TimelineID identifies one branch within a tenant.
type TimelineID uuid.UUID

// NewTenantID generates a fresh random tenant id.
func NewTenantID() TenantID { return TenantID(uuid.New()) }

// NewTimelineID generates a fresh random timeline id.
func NewTimelineID() TimelineID { return TimelineID(uuid.New()) }

// String renders the id in standard UUID form.
func (t TenantID) String() string { return uuid.UUID(t).String() }
func (t TimelineID) String() string { return uuid.UUID(t).String() }

// ParseTenantID parses a UUID-form tenant id, as found in a directory name
// or wire request path.
func ParseTenantID(s string) (TenantID, error) {
	u, err := uuid.Parse(s)
	return TenantID(u), err
}

// ParseTimelineID parses a UUID-form timeline id.
func ParseTimelineID(s string) (TimelineID, error) {
	u, err := uuid.Parse(s)
	return TimelineID(u), err
}

// Bytes returns the canonical 16-byte form, used by the metadata file's
// ancestor_timeline field.
func (t TimelineID) Bytes() [16]byte { return [16]byte(t) }

// ParseTimelineIDBytes decodes the canonical 16-byte form produced by Bytes.
func ParseTimelineIDBytes(b []byte) (TimelineID, error) {
	u, err := uuid.FromBytes(b)
	return TimelineID(u), err
}

// MarshalText renders the canonical UUID string form, used by JSON
// encoders (index manifests, TOML-adjacent config) instead of the raw
// byte array encoding/json would otherwise produce for a fixed-size
// array type.
func (t TenantID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (t TimelineID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText parses the canonical UUID string form.
func (t *TenantID) UnmarshalText(b []byte) error {
	id, err := ParseTenantID(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

func (t *TimelineID) UnmarshalText(b []byte) error {
	id, err := ParseTimelineID(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// Compare gives a deterministic total order over timeline ids, used as a
// tie-break when two layers otherwise sort equal.
func (t TimelineID) Compare(o TimelineID) int {
	a, b := uuid.UUID(t), uuid.UUID(o)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
