package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// revision identifies one version of the config file on disk.
type revision struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new revision to a
// callback. Revisions that fail to parse or validate are logged and skipped;
// the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(prev, next *Config)

	// checkMu serialises polls and explicit reloads.
	checkMu sync.Mutex
	seen    revision

	mu      sync.Mutex
	current *Config

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange runs on the polling
// goroutine, or on the caller of [Watcher.Reload], with the previous and the
// new config; it is never called concurrently with itself.
func NewWatcher(path string, onChange func(prev, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, rev, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, rev

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-progress callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Reload checks the file now instead of waiting for the next tick. It
// reports whether a new config was accepted. A file that is unchanged on
// disk is not an error.
func (w *Watcher) Reload() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	cfg, rev, err := w.read()
	if err != nil {
		return false, err
	}
	if rev.sum == w.seen.sum {
		w.seen = rev
		return false, nil
	}
	w.accept(cfg, rev)
	return true, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll stats the file and only reads it when size or mtime moved.
func (w *Watcher) poll() {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	if fi.ModTime().Equal(w.seen.modTime) && fi.Size() == w.seen.size {
		return
	}

	cfg, rev, err := w.read()
	if err != nil {
		// Remember the stamp so a broken file is reported once per edit.
		w.seen.modTime, w.seen.size = fi.ModTime(), fi.Size()
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	if rev.sum == w.seen.sum {
		w.seen = rev
		return
	}
	w.accept(cfg, rev)
}

// accept installs cfg and runs the callback. checkMu must be held.
func (w *Watcher) accept(cfg *Config, rev revision) {
	w.mu.Lock()
	prev := w.current
	w.current = cfg
	w.mu.Unlock()
	w.seen = rev

	slog.Info("config watcher: new revision loaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, cfg)
	}
}

// read loads and validates the file and stamps the revision it came from.
func (w *Watcher) read() (*Config, revision, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, revision{}, err
	}
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, revision{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, revision{}, err
	}
	return cfg, revision{modTime: fi.ModTime(), size: fi.Size(), sum: sha256.Sum256(data)}, nil
}
