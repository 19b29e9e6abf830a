package blocklist

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceWindow = time.Second

// Watcher reacts to external changes in the source directory: files edited
// by hand, new lists dropped in, files removed. Bursts of raw events are
// debounced into a single reconciliation pass, since editors and the
// synchronizer produce several notifications per logical write.
type Watcher struct {
	registry    *Registry
	cache       *Cache
	onNewSource func(name string) // surfaced so the host can add a toggle

	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	known map[string]bool

	settleHook func() // test seam, called once per settle pass

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a watcher over the registry's directory. onNewSource
// may be nil.
func NewWatcher(registry *Registry, cache *Cache, onNewSource func(name string)) *Watcher {
	return &Watcher{
		registry:    registry,
		cache:       cache,
		onNewSource: onNewSource,
		debounce:    defaultDebounceWindow,
		known:       make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// Start begins watching. Sources present at start are taken as the known
// baseline; only later arrivals trigger the new-source callback.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.registry.Dir()); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.mu.Lock()
	for _, src := range w.registry.List() {
		w.known[src.Name] = true
	}
	w.mu.Unlock()

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.bump()
			}
		case err, ok := <-w.fsw.Errors:
			if ok && err != nil {
				log.Warnf("watcher error: %v", err)
			}
		}
	}
}

// bump restarts the quiet-period timer. Each new raw event pushes the
// pending reconciliation out until the burst settles.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.settle)
}

// settle runs one batched reconciliation pass after the directory has been
// quiet for the debounce window.
func (w *Watcher) settle() {
	select {
	case <-w.done:
		return
	default:
	}
	if w.settleHook != nil {
		w.settleHook()
	}

	sources, err := w.registry.Scan()
	if err != nil {
		log.Warnf("rescan failed: %v", err)
		return
	}

	current := make(map[string]bool, len(sources))
	for _, src := range sources {
		current[src.Name] = true

		w.mu.Lock()
		isNew := !w.known[src.Name]
		w.known[src.Name] = true
		w.mu.Unlock()

		if isNew {
			log.Infof("new source %s discovered", src.Name)
			if w.onNewSource != nil {
				w.onNewSource(src.Name)
			}
			if _, err := w.cache.ReconcileOne(src.Name); err != nil {
				log.Warnf("source %s: reconcile failed: %v", src.Name, err)
			}
			continue
		}

		// Skip files the synchronizer or editor already processed at this
		// mod time; a same-content rewrite nets to a no-op.
		if last, ok := w.cache.processedAt(src.Name); ok && !src.ModTime.After(last) {
			continue
		}
		if _, err := w.cache.ReconcileOne(src.Name); err != nil {
			log.Warnf("source %s: reconcile failed: %v", src.Name, err)
		}
	}

	// Vanished sources: drop their contributions.
	w.mu.Lock()
	var gone []string
	for name := range w.known {
		if !current[name] {
			delete(w.known, name)
			gone = append(gone, name)
		}
	}
	w.mu.Unlock()
	for _, name := range gone {
		if _, err := w.cache.ReconcileOne(name); err != nil {
			log.Warnf("source %s: reconcile after removal failed: %v", name, err)
		}
	}
}

// Close stops watching. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}
