package edgeproxy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a config file and invokes a callback with the freshly
// loaded configuration whenever the file changes. The gateway uses it to swap
// retry and circuit breaker settings without a restart.
type ConfigWatcher struct {
	path     string
	logger   *slog.Logger
	onReload func(*Config)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
	active   bool
	mutex    sync.Mutex
}

// NewConfigWatcher creates a watcher for the given config file path.
func NewConfigWatcher(path string, logger *slog.Logger, onReload func(*Config)) (*ConfigWatcher, error) {
	if logger == nil {
		return nil, ErrLoggerNil
	}
	return &ConfigWatcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		debounce: 250 * time.Millisecond,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.active {
		return ErrWatcherAlreadyActive
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.active = true

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.InfoContext(ctx, "Config watcher started", "path", w.path)
	return nil
}

// Stop stops watching and waits for the watch loop to exit.
func (w *ConfigWatcher) Stop() {
	w.mutex.Lock()
	if !w.active {
		w.mutex.Unlock()
		return
	}
	w.active = false
	close(w.stopChan)
	w.mutex.Unlock()

	w.wg.Wait()
	_ = w.watcher.Close()
}

func (w *ConfigWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of events from a single save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.ErrorContext(ctx, "Config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "Config reload failed, keeping previous config",
			"path", w.path, "error", err)
		return
	}

	w.logger.InfoContext(ctx, "Config reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
