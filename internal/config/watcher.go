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

// ChangeFunc is called with the previous and the newly loaded config and
// what changed between them.
type ChangeFunc func(old, new *Config, d Diff)

// revision is one successfully parsed version of the file.
type revision struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

func readRevision(path string) (revision, error) {
	info, err := os.Stat(path)
	if err != nil {
		return revision{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return revision{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return revision{}, err
	}
	return revision{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// Watcher reloads a config file when its content changes, either on a
// polling tick after the modification time moved or on an explicit
// [Watcher.Reload]. Revisions that fail to parse or validate are logged and
// skipped, so [Watcher.Current] always returns a valid config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reload serialises checks so callbacks never overlap.
	reload sync.Mutex

	mu  sync.Mutex
	rev revision

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in the background.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	rev, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.rev = rev

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rev.cfg
}

// Reload reads the file now, ignoring its modification time. It reports
// whether the content differed from the current revision. On error the
// current config is kept.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()
	return w.apply()
}

// Stop stops polling. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.rev.mtime)
	w.mu.Unlock()
	if same {
		return
	}
	if _, err := w.apply(); err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// apply loads the file and swaps it in when its content changed. The caller
// holds w.reload.
func (w *Watcher) apply() (bool, error) {
	next, err := readRevision(w.path)
	if err != nil {
		// Remember the mtime anyway so a broken file is not re-parsed on
		// every tick.
		if info, serr := os.Stat(w.path); serr == nil {
			w.mu.Lock()
			w.rev.mtime = info.ModTime()
			w.mu.Unlock()
		}
		return false, err
	}

	w.mu.Lock()
	prev := w.rev
	if next.sum == prev.sum {
		w.rev.mtime = next.mtime
		w.mu.Unlock()
		return false, nil
	}
	w.rev = next
	w.mu.Unlock()

	d := Compare(prev.cfg, next.cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"pipeline_changed", d.PipelineChanged,
		"log_level_changed", d.LogLevelChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: changes need a restart to apply", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg, d)
	}
	return true, nil
}
