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

// Reload describes an accepted edit of the watched file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls the config file and hands each accepted edit to a callback
// so the running conversation can pick up a new prompt, voice or log level
// without a restart.
//
// An edit is accepted when the file parses and validates and the resulting
// config differs from the current one. Touches, rewrites with identical
// bytes and comment-only edits are ignored. A rejected edit is logged once
// and the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default is slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onReload may be nil; it runs
// on the polling goroutine.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st

	go w.run()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if r, ok := w.check(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// check reports an accepted edit, if any.
func (w *Watcher) check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.seen.mtime) {
		return Reload{}, false
	}

	cfg, st, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: edit rejected, keeping current config", "path", w.path, "err", err)
		w.seen.mtime = info.ModTime()
		return Reload{}, false
	}
	prev := w.seen
	w.seen = st
	if st.sum == prev.sum {
		return Reload{}, false
	}

	d := Diff(w.current, cfg)
	if !d.HasChanges() {
		w.log.Debug("config watcher: file changed without effect", "path", w.path)
		return Reload{}, false
	}
	r := Reload{Old: w.current, New: cfg, Diff: d}
	w.current = cfg
	w.log.Info("config watcher: configuration reloaded", "path", w.path,
		"hot", d.LogLevelChanged || d.SystemPromptChanged || d.VoiceChanged,
		"restart_required", d.RestartRequired)
	return r, true
}

// read parses and validates the file. The hash covers the raw bytes, before
// ${VAR} expansion.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
