package objstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalDisk stores objects as plain files under root, mirroring the
// local-filesystem remote storage kind used for tests and single-node
// deployments.
type LocalDisk struct {
	root string
}

func NewLocalDisk(root string) *LocalDisk { return &LocalDisk{root: root} }

func (l *LocalDisk) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalDisk) Get(_ context.Context, key string) (io.ReadCloser, Attrs, error) {
	p := l.path(key)
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, Attrs{}, ErrNotFound
	}
	if err != nil {
		return nil, Attrs{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Attrs{}, err
	}
	return f, Attrs{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *LocalDisk) Put(_ context.Context, key string, data io.Reader, _ int64) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (l *LocalDisk) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if _, _, err := l.Get(ctx, key); err == nil {
		existing, _, _ := l.Get(ctx, key)
		defer existing.Close()
		got, _ := io.ReadAll(existing)
		if !bytes.Equal(got, data) {
			return &ErrConflict{Key: key}
		}
		return nil
	}
	return l.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
}

func (l *LocalDisk) Head(_ context.Context, key string) (Attrs, error) {
	fi, err := os.Stat(l.path(key))
	if os.IsNotExist(err) {
		return Attrs{}, ErrNotFound
	}
	if err != nil {
		return Attrs{}, err
	}
	return Attrs{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *LocalDisk) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalDisk) DeleteAll(ctx context.Context, keys []string) error {
	var firstErr error
	for _, k := range keys {
		if err := l.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *LocalDisk) List(_ context.Context, prefix string) ([]ListEntry, error) {
	base := l.path(prefix)
	var out []ListEntry
	root := l.root
	err := filepath.Walk(l.root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !strings.HasPrefix(p, base) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		out = append(out, ListEntry{Key: filepath.ToSlash(rel), Attrs: Attrs{Size: info.Size(), ModTime: info.ModTime()}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *LocalDisk) Copy(ctx context.Context, srcKey, dstKey string) error {
	rc, _, err := l.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return l.Put(ctx, dstKey, bytes.NewReader(buf), int64(len(buf)))
}
