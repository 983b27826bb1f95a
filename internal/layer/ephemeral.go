package layer

import (
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// EphemeralFile is the append-only scratch file backing an in-memory
// layer. Each record written is tracked by an
// (key, lsn, offset, length) entry in an in-memory index; freeze seals
// the file against further writes.
type EphemeralFile struct {
	mu     sync.Mutex
	id     uint64
	path   string
	file   *os.File
	size   int64
	frozen bool
}

var ephemeralFileIDs struct {
	mu   sync.Mutex
	next uint64
}

// NextEphemeralFileID returns a process-unique id for a new ephemeral
// file.
func NextEphemeralFileID() uint64 {
	ephemeralFileIDs.mu.Lock()
	defer ephemeralFileIDs.mu.Unlock()
	ephemeralFileIDs.next++
	return ephemeralFileIDs.next
}

// NewEphemeralFile creates "ephemeral-<id>" under dir.
func NewEphemeralFile(dir string, id uint64) (*EphemeralFile, error) {
	path := fmt.Sprintf("%s/ephemeral-%d", dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("ephemeral file: create %s: %w", path, err)
	}
	return &EphemeralFile{id: id, path: path, file: f}, nil
}

func (f *EphemeralFile) ID() uint64    { return f.id }
func (f *EphemeralFile) Path() string  { return f.path }
func (f *EphemeralFile) Size() int64   { f.mu.Lock(); defer f.mu.Unlock(); return f.size }
func (f *EphemeralFile) IsFrozen() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.frozen }

// Append writes buf at the current end of the file and returns the offset
// it was written at. Not safe to call after Freeze.
func (f *EphemeralFile) Append(buf []byte) (offset int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		return 0, fmt.Errorf("ephemeral file %d: append after freeze", f.id)
	}
	n, err := f.file.WriteAt(buf, f.size)
	if err != nil {
		return 0, err
	}
	offset = f.size
	f.size += int64(n)
	return offset, nil
}

// ReadAt reads length bytes at offset, bypassing the page cache; callers on
// the hot get() path should prefer the page cache's ephemeral mapping
// instead.
func (f *EphemeralFile) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := f.file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Freeze seals the file against further writes.
func (f *EphemeralFile) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
}

// Close releases the OS file handle. The backing file is deleted once the
// frozen layer it supports has been durably flushed to a delta/image
// layer.
func (f *EphemeralFile) Close() error {
	if err := f.file.Close(); err != nil {
		log.Warn("ephemeral file: close failed", "path", f.path, "err", err)
		return err
	}
	return nil
}

// Remove closes and deletes the backing file.
func (f *EphemeralFile) Remove() error {
	_ = f.Close()
	return os.Remove(f.path)
}
