// Package config holds the process-wide PageServerConf and the default
// tenant config it falls back to, a two-tier config/defaultTenantConf
// pattern: any tunable absent from a tenant's own config file resolves
// to the process-wide default.
package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/naoina/toml"

	"github.com/pagestore/pageserver/internal/remote/objstore"
	"github.com/pagestore/pageserver/internal/tenant"
	"github.com/pagestore/pageserver/internal/timeline"
)

// RemoteStorageKind selects which objstore.Store backend PageServerConf
// builds: S3, Azure, local disk, or none.
type RemoteStorageKind string

const (
	RemoteStorageNone  RemoteStorageKind = ""
	RemoteStorageS3    RemoteStorageKind = "s3"
	RemoteStorageAzure RemoteStorageKind = "azure"
	RemoteStorageLocal RemoteStorageKind = "local"
)

// RemoteStorageConf names the backend and its connection parameters.
type RemoteStorageConf struct {
	Kind RemoteStorageKind `toml:"kind"`

	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`

	AzureAccountURL  string `toml:"azure_account_url"`
	AzureAccountName string `toml:"azure_account_name"`
	AzureAccountKey  string `toml:"azure_account_key"`
	AzureContainer   string `toml:"azure_container"`

	LocalPath string `toml:"local_path"`
}

// PageServerConf is the process-wide configuration read from
// <workdir>/pageserver.toml, with per-tenant overrides layered on top via
// tenant.Config.Apply.
type PageServerConf struct {
	Workdir string `toml:"-"` // set from the CLI flag, not the file

	PageCacheSizeMiB int `toml:"page_cache_size_mib"`

	FlushWorkers   int `toml:"flush_workers"`
	CompactWorkers int `toml:"compact_workers"`
	GcWorkers      int `toml:"gc_workers"`
	UploadWorkers  int `toml:"upload_workers"`

	RemoteStorage RemoteStorageConf `toml:"remote_storage"`

	DefaultTenantConf tenant.Config `toml:"default_tenant_conf"`
}

// DefaultPageServerConf returns conservative out-of-the-box defaults: a
// 512 MiB page cache, four flush, two compaction, one GC and four upload
// workers, no remote storage until configured.
func DefaultPageServerConf() PageServerConf {
	return PageServerConf{
		PageCacheSizeMiB: 512,
		FlushWorkers:     4,
		CompactWorkers:   2,
		GcWorkers:        1,
		UploadWorkers:    4,
	}
}

// TimelineDefaults resolves the effective timeline.Config for a tenant
// with no per-tenant override file, i.e. conf.DefaultTenantConf.Apply
// over timeline.DefaultConfig() -- the same per-tenant-override-over-
// process-default fallback chain used for every other tunable.
func (c PageServerConf) TimelineDefaults() timeline.Config {
	return c.DefaultTenantConf.Apply(timeline.DefaultConfig())
}

// LoadPageServerConf reads <workdir>/pageserver.toml; absence is not an
// error, the caller gets DefaultPageServerConf() with Workdir set.
func LoadPageServerConf(workdir string) (PageServerConf, error) {
	conf := DefaultPageServerConf()
	conf.Workdir = workdir
	buf, err := os.ReadFile(filepath.Join(workdir, "pageserver.toml"))
	if os.IsNotExist(err) {
		return conf, nil
	}
	if err != nil {
		return PageServerConf{}, err
	}
	if err := toml.Unmarshal(buf, &conf); err != nil {
		return PageServerConf{}, err
	}
	conf.Workdir = workdir
	return conf, nil
}

// BuildObjectStore constructs the objstore.Store named by
// conf.RemoteStorage, or (nil, nil) if remote storage is not configured
// for this workdir.
func (c PageServerConf) BuildObjectStore(ctx context.Context) (objstore.Store, error) {
	rs := c.RemoteStorage
	switch rs.Kind {
	case RemoteStorageNone:
		return nil, nil
	case RemoteStorageLocal:
		path := rs.LocalPath
		if path == "" {
			path = filepath.Join(c.Workdir, "remote_storage")
		}
		return objstore.NewLocalDisk(path), nil
	case RemoteStorageAzure:
		return objstore.NewAzureStore(rs.AzureAccountURL, rs.AzureAccountName, rs.AzureAccountKey, rs.AzureContainer, rs.Prefix)
	case RemoteStorageS3:
		return objstore.NewS3Store(ctx, rs.Bucket, rs.Prefix, nil)
	default:
		return nil, &ErrUnknownRemoteStorageKind{Kind: string(rs.Kind)}
	}
}

// ErrUnknownRemoteStorageKind is returned for an unrecognized
// remote_storage.kind value in pageserver.toml.
type ErrUnknownRemoteStorageKind struct{ Kind string }

func (e *ErrUnknownRemoteStorageKind) Error() string {
	return "config: unknown remote_storage.kind " + e.Kind
}
