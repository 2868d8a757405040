package mmconfig

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/orizon-lang/vmcore/internal/runtime/vfs"
)

// LoadTunables reads only the tunable fields of a configuration file.
// Fields the file leaves out keep the values in base.
func LoadTunables(path string, base Tunables) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	t := base
	if err := json.Unmarshal(data, &t); err != nil {
		return base, err
	}
	if err := t.Validate(); err != nil {
		return base, err
	}
	return t, nil
}

// Watch follows path through w and calls apply with the reloaded tunables
// after every write. Invalid files are logged and ignored. The directory is
// watched rather than the file so editors that replace the file by rename
// keep being followed; the file is added too for polling watchers, which
// report the path they were given. Watch returns when ctx is done or w is
// closed.
func Watch(ctx context.Context, path string, base Tunables, w vfs.Watcher, apply func(Tunables), logger *log.Logger) error {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	_ = w.Add(abs)
	current := base
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			logger.Printf("[mmconfig] watch error: %v", err)
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if p, err := filepath.Abs(ev.Path); err != nil || p != abs {
				continue
			}
			if ev.Op&(vfs.OpWrite|vfs.OpCreate|vfs.OpRename) == 0 {
				continue
			}
			t, err := LoadTunables(abs, current)
			if err != nil {
				logger.Printf("[mmconfig] ignoring %s: %v", abs, err)
				continue
			}
			if t == current {
				continue
			}
			current = t
			logger.Printf("[mmconfig] tunables reloaded: retries=%d policy=%s batch=%d purge=%v",
				t.FaultRetries, t.ReclaimPolicy, t.ReclaimBatch, t.PurgeOnPressure)
			apply(t)
		}
	}
}
