package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nexora/kit/observe"
)

const defaultDebounce = 100 * time.Millisecond

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithLogger sets the logger reload results are written to.
func WithLogger(l observe.Logger) WatchOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long the watcher waits after the last file event
// before reloading.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.debounce = d }
}

// Watcher reloads a configuration file when it changes and applies each valid
// version to a registry. An invalid version is logged and the previous one
// stays in effect.
type Watcher struct {
	path     string
	applier  *Applier
	logger   observe.Logger
	debounce time.Duration

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	reloadMu sync.Mutex

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
}

// NewWatcher loads and applies path, then watches it for changes. The
// initial load must succeed.
func NewWatcher(path string, applier *Applier, opts ...WatchOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	w := &Watcher{
		path:     absPath,
		applier:  applier,
		logger:   observe.NopLogger(),
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.Reload(); err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fs.Add(filepath.Dir(absPath)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(absPath), err)
	}
	w.fs = fs

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(ctx)

	return w, nil
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives every applied configuration,
// starting with the current one. A slow subscriber only sees the latest.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	ch <- w.current
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Reload loads, validates and applies the file now.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	report, err := w.applier.Apply(cfg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]chan *Config, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	for _, ch := range subscribers {
		publish(ch, cfg)
	}

	w.logger.Info(context.Background(), "configuration applied",
		observe.Field{Key: "path", Value: w.path},
		observe.Field{Key: "bound", Value: len(report.Bound)},
		observe.Field{Key: "removed", Value: len(report.Removed)},
	)
	return nil
}

// Close stops watching. Subscriber channels are left open.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := w.Reload(); err != nil {
					w.logger.Error(ctx, "configuration reload failed",
						observe.Field{Key: "path", Value: w.path},
						observe.Field{Key: "error", Value: err.Error()},
					)
				}
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "configuration watcher error", observe.Field{Key: "error", Value: err.Error()})
		}
	}
}

// publish replaces any unread value in ch with cfg.
func publish(ch chan *Config, cfg *Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
