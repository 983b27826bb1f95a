package timeline

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/pagestore/pageserver/pkg/pageid"
)

// metadataFileSize is the fixed on-disk size of a timeline's metadata
// file: a length-prefixed, crc32-checked body padded out to
// 512 bytes so rewrites are a single fixed-size write.
const metadataFileSize = 512

const metadataBodyFixedSize = 8 + 8 + 16 + 8 + 8 + 8 + 4 // up through pg_version

// Metadata is the decoded contents of a timeline's metadata file.
type Metadata struct {
	DiskConsistentLsn pageid.Lsn
	PrevRecordLsn     pageid.Lsn // InvalidLsn = None
	AncestorTimeline  pageid.TimelineID
	HasAncestor       bool
	AncestorLsn       pageid.Lsn
	LatestGcCutoffLsn pageid.Lsn
	InitdbLsn         pageid.Lsn
	PgVersion         uint32
}

// EncodeMetadata serializes m into the fixed 512-byte on-disk layout:
// [length u32][crc32 u32][body ... padding to 512].
func EncodeMetadata(m Metadata) []byte {
	body := make([]byte, metadataBodyFixedSize)
	o := 0
	binary.BigEndian.PutUint64(body[o:], uint64(m.DiskConsistentLsn))
	o += 8
	binary.BigEndian.PutUint64(body[o:], uint64(m.PrevRecordLsn))
	o += 8
	var ancestorBytes [16]byte
	if m.HasAncestor {
		raw := m.AncestorTimeline.Bytes()
		copy(ancestorBytes[:], raw[:])
	}
	copy(body[o:o+16], ancestorBytes[:])
	o += 16
	binary.BigEndian.PutUint64(body[o:], uint64(m.AncestorLsn))
	o += 8
	binary.BigEndian.PutUint64(body[o:], uint64(m.LatestGcCutoffLsn))
	o += 8
	binary.BigEndian.PutUint64(body[o:], uint64(m.InitdbLsn))
	o += 8
	binary.BigEndian.PutUint32(body[o:], m.PgVersion)

	out := make([]byte, metadataFileSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	crc := crc32.ChecksumIEEE(body)
	binary.BigEndian.PutUint32(out[4:8], crc)
	copy(out[8:], body)
	return out
}

// DecodeMetadata parses the fixed 512-byte layout, returning an
// ErrChecksumMismatch-wrapped error on a bad crc -- fatal at load time.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) != metadataFileSize {
		return Metadata{}, fmt.Errorf("timeline: metadata file must be %d bytes, got %d", metadataFileSize, len(buf))
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	wantCrc := binary.BigEndian.Uint32(buf[4:8])
	if int(length) > metadataFileSize-8 {
		return Metadata{}, fmt.Errorf("timeline: metadata: %w: body length out of range", ErrChecksumMismatch)
	}
	body := buf[8 : 8+length]
	if gotCrc := crc32.ChecksumIEEE(body); gotCrc != wantCrc {
		return Metadata{}, fmt.Errorf("timeline: metadata: %w", ErrChecksumMismatch)
	}
	if int(length) < metadataBodyFixedSize {
		return Metadata{}, fmt.Errorf("timeline: metadata: %w: body too short", ErrChecksumMismatch)
	}

	var m Metadata
	o := 0
	m.DiskConsistentLsn = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	m.PrevRecordLsn = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	var ancestorBytes [16]byte
	copy(ancestorBytes[:], body[o:o+16])
	o += 16
	zero := [16]byte{}
	if ancestorBytes != zero {
		tid, err := pageid.ParseTimelineIDBytes(ancestorBytes[:])
		if err != nil {
			return Metadata{}, err
		}
		m.AncestorTimeline = tid
		m.HasAncestor = true
	}
	m.AncestorLsn = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	m.LatestGcCutoffLsn = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	m.InitdbLsn = pageid.Lsn(binary.BigEndian.Uint64(body[o:]))
	o += 8
	m.PgVersion = binary.BigEndian.Uint32(body[o:])
	return m, nil
}

// ErrChecksumMismatch is fatal at load time.
var ErrChecksumMismatch = fmt.Errorf("metadata checksum mismatch")

// WriteMetadataFile writes m to path via a temp file + atomic rename, and
// fsyncs the parent directory on first creation.
func WriteMetadataFile(dir, path string, m Metadata) error {
	buf := EncodeMetadata(m)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	firstCreation := os.IsNotExist(statErr)
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if firstCreation {
		d, err := os.Open(dir)
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Sync()
	}
	return nil
}

// ReadMetadataFile loads and decodes the metadata file at path.
func ReadMetadataFile(path string) (Metadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	return DecodeMetadata(buf)
}
