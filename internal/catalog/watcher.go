package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alucardeht/mcp-spawner/internal/logger"
)

var log = logger.ForComponent("catalog")

type WatcherConfig struct {
	DebounceWindow time.Duration
	MaxBatchSize   int
	// OnSync, when set, is called after every resync that changed the store.
	OnSync func(SyncResult)
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		DebounceWindow: 300 * time.Millisecond,
		MaxBatchSize:   100,
	}
}

// Watcher keeps a Store in line with the scripts root. It watches only the
// root itself, since scripts never live in subdirectories.
type Watcher struct {
	config    WatcherConfig
	root      string
	scanner   *Scanner
	store     *Store
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	syncMu  sync.Mutex
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(config WatcherConfig, scanner *Scanner, store *Store) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = DefaultWatcherConfig().DebounceWindow
	}

	w := &Watcher{
		config:    config,
		root:      scanner.validator.Root(),
		scanner:   scanner,
		store:     store,
		fsWatcher: fsWatcher,
	}
	w.debouncer = NewDebouncer(config.DebounceWindow, config.MaxBatchSize, w.onFlush)
	return w, nil
}

// Start performs an initial sync and then follows changes until ctx is done
// or Stop is called. A root that does not exist yet is synced as empty and
// not watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	if _, err := w.Resync(); err != nil {
		log.Warn("initial catalog sync failed", "error", err)
	}

	if err := w.fsWatcher.Add(w.root); err != nil {
		log.Warn("scripts root is not watched", "root", w.root, "error", err)
	} else {
		log.Info("watching scripts root", "root", w.root)
	}

	go w.handleEvents(ctx)
	return nil
}

// Resync rescans the root and mirrors it into the store.
func (w *Watcher) Resync() (SyncResult, error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	entries, err := w.scanner.Scan()
	if err != nil {
		return SyncResult{}, err
	}
	result, err := w.store.Sync(entries)
	if err != nil {
		return result, err
	}
	if !result.Empty() {
		log.Info("catalog synced", "scripts", len(entries), "added", result.Added, "changed", result.Changed, "removed", result.Removed)
		if w.config.OnSync != nil {
			w.config.OnSync(result)
		}
	}
	return result, nil
}

func (w *Watcher) handleEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if fe := w.convertEvent(event); fe != nil {
				log.Debug("script event", "name", fe.Name, "op", fe.Type.String())
				w.debouncer.Add(*fe)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("event queue overflowed, rescanning")
				w.debouncer.Add(FileEvent{Name: ".", Type: EventModify, Timestamp: time.Now()})
				continue
			}
			log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) *FileEvent {
	if filepath.Dir(event.Name) != filepath.Clean(w.root) {
		return nil
	}
	name := filepath.Base(event.Name)
	if w.scanner.Ignored(name) {
		return nil
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventCreate
	case event.Has(fsnotify.Write):
		eventType = EventModify
	case event.Has(fsnotify.Remove):
		eventType = EventDelete
	case event.Has(fsnotify.Rename):
		eventType = EventRename
	default:
		return nil
	}

	return &FileEvent{Name: name, Type: eventType, Timestamp: time.Now()}
}

func (w *Watcher) onFlush(events []FileEvent) {
	log.Debug("flushing script events", "count", len(events))
	if _, err := w.Resync(); err != nil {
		log.Warn("catalog resync failed", "error", err)
	}
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsWatcher.Close()
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	w.debouncer.Stop()
	return w.fsWatcher.Close()
}
