package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher polls a config file and its instructions_file and calls onChange
// when either changes. Invalid revisions are logged and skipped; the last
// valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	loadOpts []LoaderOption
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    revision

	done     chan struct{}
	stopOnce sync.Once
}

// revision identifies one on-disk state of the watched files. The mtimes
// gate a reload; the hash filters out touches that change nothing.
type revision struct {
	configMtime time.Time
	instrPath   string
	instrMtime  time.Time
	hash        [sha256.Size]byte
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

// WithLoaderOptions sets the options every reload is parsed with, typically
// WithEnv(os.Getenv) so environment overrides survive a reload.
func WithLoaderOptions(opts ...LoaderOption) WatcherOption {
	return func(w *Watcher) { w.loadOpts = append(w.loadOpts, opts...) }
}

// WithWatchLogger sets the logger for reload and rejection messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, rev, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = rev

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
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
			w.check()
		}
	}
}

func (w *Watcher) check() {
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()

	configMtime, err := mtime(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	instrMtime, _ := mtime(seen.instrPath)
	if configMtime.Equal(seen.configMtime) && instrMtime.Equal(seen.instrMtime) {
		return
	}

	cfg, rev, err := w.load()
	if err != nil {
		w.log.Warn("config watcher: revision rejected, keeping current config", "path", w.path, "err", err)
		// Remember the broken revision so it is reported once.
		w.mu.Lock()
		w.seen.configMtime, w.seen.instrMtime = configMtime, instrMtime
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if rev.hash == w.seen.hash {
		w.seen = rev
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = rev
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load parses and validates the config file and stamps the revision. The
// hash covers the YAML and the resolved instructions, so editing only the
// instructions file counts as a change.
func (w *Watcher) load() (*Config, revision, error) {
	var rev revision

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, rev, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, rev, err
	}
	dir := filepath.Dir(w.path)
	opts := append([]LoaderOption{WithBaseDir(dir)}, w.loadOpts...)
	cfg, err := LoadFromReader(bytes.NewReader(data), opts...)
	if err != nil {
		return nil, rev, err
	}

	rev.configMtime = info.ModTime()
	if p := cfg.Session.InstructionsFile; p != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		rev.instrPath = p
		rev.instrMtime, _ = mtime(p)
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(cfg.Session.Instructions))
	h.Sum(rev.hash[:0])
	return cfg, rev, nil
}

// mtime returns the modification time of path, or the zero time when path
// is empty.
func mtime(path string) (time.Time, error) {
	if path == "" {
		return time.Time{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
