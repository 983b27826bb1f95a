// Command pageserver runs the disaggregated page storage engine as a
// single long-lived process: it owns a workdir, a shared
// page cache, and one internal/tenant.Tenant per discovered tenant
// directory. It does not serve the libpq front-end or the HTTP
// management API (both out of scope); it exists to exercise the storage
// engine end to end and to host its maintenance worker groups.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/pagestore/pageserver/internal/config"
	"github.com/pagestore/pageserver/internal/pagecache"
	"github.com/pagestore/pageserver/internal/remote"
	"github.com/pagestore/pageserver/internal/remote/objstore"
	"github.com/pagestore/pageserver/internal/tenant"
	"github.com/pagestore/pageserver/internal/timeline"
	"github.com/pagestore/pageserver/internal/workpool"
	"github.com/pagestore/pageserver/pkg/pageid"
	"github.com/pagestore/pageserver/pkg/walredo"
)

const pidFileName = "pageserver.pid"

var workdirFlag = &cli.StringFlag{
	Name:  "workdir",
	Usage: "directory holding pageserver.toml and the tenants/ tree",
	Value: ".neon",
}

func main() {
	app := &cli.App{
		Name:   "pageserver",
		Usage:  "disaggregated page server storage engine",
		Flags:  []cli.Flag{workdirFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("pageserver: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	workdir := cctx.String(workdirFlag.Name)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return fmt.Errorf("pageserver: create workdir: %w", err)
	}
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return err
	}
	workdir = abs

	lockPath := filepath.Join(workdir, pidFileName)
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("pageserver: acquire lock file %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("pageserver: could not lock %s; pageserver is already running in %s", lockPath, workdir)
	}
	defer lock.Unlock()
	log.Info("pageserver: acquired lock file", "path", lockPath, "pid", os.Getpid())

	conf, err := config.LoadPageServerConf(workdir)
	if err != nil {
		return fmt.Errorf("pageserver: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := conf.BuildObjectStore(ctx)
	if err != nil {
		return fmt.Errorf("pageserver: build remote storage: %w", err)
	}
	if store == nil {
		log.Warn("pageserver: no remote_storage configured; running local-only")
	}

	groups, err := workpool.NewGroups(conf.FlushWorkers, conf.CompactWorkers, conf.GcWorkers, conf.UploadWorkers)
	if err != nil {
		return fmt.Errorf("pageserver: build worker groups: %w", err)
	}
	defer groups.Release()

	cache := pagecache.New(conf.PageCacheSizeMiB<<20/pageid.PageSize, nil)
	redo := walredo.NewTestManager()

	tenants, err := loadTenants(workdir, conf, cache, redo, store)
	if err != nil {
		return fmt.Errorf("pageserver: load tenants: %w", err)
	}
	log.Info("pageserver: started", "workdir", workdir, "tenants", len(tenants))

	stopMaintenance := runMaintenanceLoop(ctx, tenants, groups)
	defer stopMaintenance()

	exitCode := waitForShutdown(ctx, cancel)
	for _, t := range tenants {
		if err := t.Close(); err != nil {
			log.Warn("pageserver: error closing tenant", "tenant", t.ID, "err", err)
		}
	}
	log.Info("pageserver: shut down", "exit_code", exitCode)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// loadTenants scans <workdir>/tenants for tenant directories, skipping
// any marked tenant-ignore and deferring any marked tenant-attaching
//, wiring each discovered Tenant to the shared cache/redo/remote
// collaborators.
func loadTenants(workdir string, conf config.PageServerConf, cache *pagecache.Cache, redo walredo.Manager, store objstore.Store) ([]*tenant.Tenant, error) {
	root := filepath.Join(workdir, "tenants")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tenants []*tenant.Tenant
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := pageid.ParseTenantID(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "tenant-ignore")); err == nil {
			log.Info("pageserver: skipping ignored tenant", "tenant", id)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "tenant-attaching")); err == nil {
			log.Warn("pageserver: tenant still attaching, skipping this run", "tenant", id)
			continue
		}

		tenantConf, _, err := tenant.LoadConfig(filepath.Join(dir, "config"))
		if err != nil {
			return nil, fmt.Errorf("pageserver: load tenant config %s: %w", id, err)
		}
		effective := tenantConf.Apply(conf.TimelineDefaults())

		newTimeline := func(tlID pageid.TimelineID, tlDir string, c timeline.Config) *timeline.Timeline {
			return timeline.New(id, tlID, tlDir, c, cache, redo)
		}
		t, err := tenant.New(id, dir, effective, redo, newTimeline)
		if err != nil {
			return nil, fmt.Errorf("pageserver: open tenant %s: %w", id, err)
		}
		if err := t.DiscoverTimelines(); err != nil {
			return nil, fmt.Errorf("pageserver: discover timelines for tenant %s: %w", id, err)
		}
		if store != nil {
			rc, err := remote.NewClient(id, store, t, 4096)
			if err != nil {
				return nil, fmt.Errorf("pageserver: build remote client for tenant %s: %w", id, err)
			}
			t.SetRemoteClient(rc)
		}
		tenants = append(tenants, t)
		log.Info("pageserver: loaded tenant", "tenant", id, "timelines", len(t.ListTimelines()))
	}
	return tenants, nil
}

// maintenanceInterval is how often the background loop below offers each
// loaded timeline a chance to flush/compact/GC. A real deployment would
// instead wake on checkpoint_distance/checkpoint_timeout being crossed
//; a fixed tick is this binary's simplification of that.
const maintenanceInterval = 30 * time.Second

// runMaintenanceLoop submits one flush/compact/gc pass per timeline per
// tick to the shared worker groups, giving the background maintenance
// work somewhere to run independent of any request path. Returns a
// function that stops the loop.
func runMaintenanceLoop(ctx context.Context, tenants []*tenant.Tenant, groups *workpool.Groups) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				maintainOnce(ctx, tenants, groups)
			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(maintenanceInterval):
		}
	}
}

func maintainOnce(ctx context.Context, tenants []*tenant.Tenant, groups *workpool.Groups) {
	for _, t := range tenants {
		for _, tlID := range t.ListTimelines() {
			tl, err := t.GetTimeline(tlID)
			if err != nil {
				log.Warn("pageserver: maintenance: load timeline failed", "tenant", t.ID, "timeline", tlID, "err", err)
				continue
			}
			if err := groups.Flush.Submit(func() error {
				return tl.FreezeAndFlush(tl.LastRecordLsn())
			}); err != nil {
				log.Warn("pageserver: maintenance: flush submit failed", "timeline", tlID, "err", err)
			}
			if err := groups.Compact.Submit(func() error {
				return tl.Compact(ctx)
			}); err != nil {
				log.Warn("pageserver: maintenance: compact submit failed", "timeline", tlID, "err", err)
			}
			if err := groups.GC.Submit(func() error {
				// No LSN-to-wallclock mapping is wired in this binary, so
				// the PITR cutoff is left permissive (last_record_lsn):
				// retention is governed by gc_horizon alone.
				_, err := tl.RunGc(tl.LastRecordLsn(), func() error { return nil })
				return err
			}); err != nil {
				log.Warn("pageserver: maintenance: gc submit failed", "timeline", tlID, "err", err)
			}
		}
	}
}

// waitForShutdown blocks until SIGTERM/SIGINT (normal shutdown, exit 0)
// or SIGQUIT.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		cancel()
		if sig == syscall.SIGQUIT {
			log.Warn("pageserver: SIGQUIT received, shutting down immediately")
			return 111
		}
		log.Info("pageserver: signal received, shutting down", "signal", sig)
		return 0
	case <-ctx.Done():
		return 0
	}
}
