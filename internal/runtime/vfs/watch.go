package vfs

import (
	"context"
	"sync"
	"time"
)

// SimpleWatcher is a polling-based watcher portable across OSes. It is the
// fallback when native notifications are unavailable.
type SimpleWatcher struct {
	fs   FileSystem
	evCh chan Event
	erCh chan error

	mu    sync.Mutex
	paths map[string]time.Time
	stop  context.CancelFunc
}

func NewSimpleWatcher(fs FileSystem) *SimpleWatcher {
	return &SimpleWatcher{
		fs:    fs,
		evCh:  make(chan Event, 64),
		erCh:  make(chan error, 1),
		paths: make(map[string]time.Time),
	}
}

func (w *SimpleWatcher) Events() <-chan Event { return w.evCh }
func (w *SimpleWatcher) Errors() <-chan error { return w.erCh }

// Add starts tracking a file. Its current modification time is the baseline.
func (w *SimpleWatcher) Add(name string) error {
	var mod time.Time
	if info, err := w.fs.Stat(name); err == nil {
		mod = info.ModTime()
	}
	w.mu.Lock()
	w.paths[name] = mod
	w.mu.Unlock()
	return nil
}

func (w *SimpleWatcher) Remove(name string) error {
	w.mu.Lock()
	delete(w.paths, name)
	w.mu.Unlock()
	return nil
}

// Close stops polling. Event channels are left open for late readers.
func (w *SimpleWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
	return nil
}

// StartPolling compares modification times of every added path at interval.
func (w *SimpleWatcher) StartPolling(ctx context.Context, interval time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.stop = cancel
	w.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				w.poll()
			}
		}
	}()
}

func (w *SimpleWatcher) poll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, last := range w.paths {
		info, err := w.fs.Stat(name)
		if err != nil {
			select {
			case w.erCh <- err:
			default:
			}
			continue
		}
		if info.ModTime().After(last) {
			w.paths[name] = info.ModTime()
			select {
			case w.evCh <- Event{Path: name, Op: OpWrite, Time: time.Now()}:
			default:
			}
		}
	}
}
