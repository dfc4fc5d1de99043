package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// DefaultReloadDelay debounces bursts of writes from editors.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	delay    time.Duration
	logger   *telemetry.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	reloads sync.WaitGroup
	done    chan struct{}
}

// Watch starts watching path and calls onReload with every config that loads
// and validates. Files that fail to load are logged and skipped; the last
// good config stays in effect. The watch ends when ctx is done or Close is
// called; no onReload starts after that, and Close waits for one already
// running.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onReload func(*Config)) (*Watcher, error) {
	return watch(ctx, path, DefaultReloadDelay, logger, onReload)
}

func watch(ctx context.Context, path string, delay time.Duration, logger *telemetry.Logger, onReload func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, so the directory is watched.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		delay:    delay,
		logger:   logger.NewComponentLogger("config-watcher"),
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.processEvents(ctx)

	w.logger.WithField("path", abs).Info("Watching config file")
	return w, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Config file changed")
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.fire)
}

// shutdown stops pending reloads from starting.
func (w *Watcher) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.reloads.Add(1)
	w.mu.Unlock()
	defer w.reloads.Done()

	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}
	w.logger.Info("Config reloaded")
	w.onReload(cfg)
}

// Close stops the watch and waits for the event loop and any running
// onReload to return.
func (w *Watcher) Close() error {
	w.shutdown()
	err := w.watcher.Close()
	<-w.done
	w.reloads.Wait()
	return err
}
