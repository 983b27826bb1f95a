package tenant

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"
	"github.com/pagestore/pageserver/internal/timeline"
	"github.com/pagestore/pageserver/pkg/pageid"
)

// Config is the per-tenant override of the global defaults. Every field mirrors one of
// timeline.Config's tunables; a zero value means "use the global default".
type Config struct {
	CheckpointDistanceBytes int64  `toml:"checkpoint_distance"`
	CheckpointTimeoutSecs   int64  `toml:"checkpoint_timeout_secs"`
	GcHorizonBytes          uint64 `toml:"gc_horizon"`
	PitrIntervalSecs        int64  `toml:"pitr_interval_secs"`
	ImageCreationThreshold  int    `toml:"image_creation_threshold"`
	TargetFileSizeBytes     int64  `toml:"target_file_size"`
}

// Apply overlays non-zero fields of c onto base.
func (c Config) Apply(base timeline.Config) timeline.Config {
	out := base
	if c.CheckpointDistanceBytes != 0 {
		out.CheckpointDistance = c.CheckpointDistanceBytes
	}
	if c.CheckpointTimeoutSecs != 0 {
		out.CheckpointTimeout = time.Duration(c.CheckpointTimeoutSecs) * time.Second
	}
	if c.GcHorizonBytes != 0 {
		out.GcHorizon = pageid.Lsn(c.GcHorizonBytes)
	}
	if c.PitrIntervalSecs != 0 {
		out.PitrInterval = time.Duration(c.PitrIntervalSecs) * time.Second
	}
	if c.ImageCreationThreshold != 0 {
		out.ImageCreationThreshold = c.ImageCreationThreshold
	}
	if c.TargetFileSizeBytes != 0 {
		out.TargetFileSize = c.TargetFileSizeBytes
	}
	return out
}

// LoadConfig reads and decodes a tenant's TOML override file, if present.
// Absence is not an error: an unconfigured tenant just uses base defaults.
func LoadConfig(path string) (Config, bool, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, err
	}
	var c Config
	if err := toml.Unmarshal(buf, &c); err != nil {
		return Config{}, false, err
	}
	return c, true, nil
}

// WatchConfig watches path for changes (editor-style atomic rename
// included) and invokes onChange with the freshly parsed config, the
// same fsnotify-based reload pattern used elsewhere in this codebase
// for runtime config.
func WatchConfig(path string, onChange func(Config)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c, present, err := LoadConfig(path)
				if err != nil {
					log.Warn("tenant: config reload failed", "path", path, "err", err)
					continue
				}
				if present {
					onChange(c)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("tenant: config watcher error", "err", err)
			}
		}
	}()
	return w, nil
}
