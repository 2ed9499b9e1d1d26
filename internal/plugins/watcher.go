package plugins

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay batches bursts of filesystem events (an unpacking plugin
// touches several files) into one rescan.
const debounceDelay = 500 * time.Millisecond

// Watcher observes the plugin directory and invokes a callback when its
// contents change, so newly dropped plugins load without a restart.
type Watcher struct {
	dir      string
	onChange func()
	logger   *zap.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	debounce *time.Timer
	running  bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWatcher(dir string, onChange func(), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins watching. Starting an already running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.running = true
	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Info("plugin directory watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop ends watching and waits for the loop to exit. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	w.fsw.Close()

	w.logger.Info("plugin directory watcher stopped", zap.String("dir", w.dir))
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("plugin directory changed",
				zap.String("path", ev.Name),
				zap.String("op", ev.Op.String()))
			w.scheduleRescan()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin directory watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleRescan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.debounce == nil {
		w.debounce = time.AfterFunc(debounceDelay, w.onChange)
		return
	}
	w.debounce.Reset(debounceDelay)
}
