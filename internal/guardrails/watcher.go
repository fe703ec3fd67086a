package guardrails

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads the policy when its file changes on disk. The parent
// directory is watched so that atomic rename-into-place updates are seen.
type Watcher struct {
	store     *Store
	persister *FilePersister
	logger    *slog.Logger
	debounce  time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher. A debounce <= 0 uses 250ms.
func NewWatcher(store *Store, persister *FilePersister, logger *slog.Logger, debounce time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{
		store:     store,
		persister: persister,
		logger:    logger.With("component", "guardrails_watcher"),
		debounce:  debounce,
	}
}

// Start begins watching until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.persister.Path())); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	target := filepath.Clean(w.persister.Path())

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.Reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watch error", "error", err)
		}
	}
}

// Reload reads the file and publishes it if it differs from the current
// policy. Invalid or unreadable files leave the current policy in place.
func (w *Watcher) Reload() {
	loaded, err := w.persister.Load()
	if err != nil {
		w.logger.Warn("policy reload failed", "path", w.persister.Path(), "error", err)
		return
	}
	if loaded == nil {
		return
	}
	if loaded.Equal(w.store.Snapshot()) {
		return
	}
	if _, err := w.store.reload(*loaded); err != nil {
		w.logger.Warn("rejected policy from disk", "path", w.persister.Path(), "error", err)
		return
	}
	w.logger.Info("policy reloaded from disk", "path", w.persister.Path())
}
