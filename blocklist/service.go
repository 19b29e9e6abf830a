package blocklist

import (
	"context"
	"sync"
	"time"
)

// Options configures a Service.
type Options struct {
	// Dir is the source directory to watch. Created if missing.
	Dir string
	// Settings supplies enabled flags and the update interval. Defaults to
	// everything-enabled with hourly refresh.
	Settings Settings
	// Notifier receives user-visible events. Defaults to discarding them.
	Notifier Notifier
	// OnNewSource is called when the watcher discovers a source file that
	// was not present at startup, so the host can surface a toggle for it.
	OnNewSource func(name string)
	// DebounceWindow overrides the watcher quiet period (default 1s).
	DebounceWindow time.Duration
	// FetchAttempts and RetryDelay override the per-tick remote retry
	// budget (defaults: 3 attempts, 30s apart).
	FetchAttempts int
	RetryDelay    time.Duration
}

// Service owns the blocklist cache and its background reconciliation: the
// registry, the remote synchronizer and the directory watcher, with an
// explicit construction and shutdown lifecycle.
type Service struct {
	registry *Registry
	cache    *Cache
	editor   *Editor
	guard    *Guard
	sync     *Synchronizer
	watcher  *Watcher

	closeOnce sync.Once
}

// New builds a service over opts.Dir and performs the initial full load.
// Background activity does not start until Start is called.
func New(opts Options) (*Service, error) {
	initMetrics()

	registry, err := NewRegistry(opts.Dir, opts.Notifier)
	if err != nil {
		return nil, err
	}
	cache := NewCache(registry, opts.Settings, opts.Notifier)
	if err := cache.FullReload(); err != nil {
		return nil, err
	}

	s := &Service{
		registry: registry,
		cache:    cache,
		editor:   NewEditor(registry, cache),
		guard:    NewGuard(cache, opts.Notifier),
		sync:     NewSynchronizer(registry, cache, opts.Settings, opts.Notifier),
		watcher:  NewWatcher(registry, cache, opts.OnNewSource),
	}
	if opts.DebounceWindow > 0 {
		s.watcher.debounce = opts.DebounceWindow
	}
	if opts.FetchAttempts > 0 {
		s.sync.attempts = opts.FetchAttempts
	}
	if opts.RetryDelay > 0 {
		s.sync.retryDelay = opts.RetryDelay
	}
	return s, nil
}

// Start begins the directory watcher and the remote refresh timer.
func (s *Service) Start() error {
	if err := s.watcher.Start(); err != nil {
		return err
	}
	s.sync.Start()
	log.Infof("blocklist service started, %d hashes from %d sources",
		s.cache.Size(), len(s.registry.List()))
	return nil
}

// Guard returns the admission decision surface.
func (s *Service) Guard() *Guard { return s.guard }

// Editor returns the writable-source editing surface.
func (s *Service) Editor() *Editor { return s.editor }

// Cache returns the membership cache (read paths and reconciliation).
func (s *Service) Cache() *Cache { return s.cache }

// Registry returns the source registry.
func (s *Service) Registry() *Registry { return s.registry }

// SyncNow runs one immediate synchronization pass outside the timer.
func (s *Service) SyncNow(ctx context.Context) { s.sync.SyncAll(ctx) }

// Reschedule reinstalls the refresh timer after the interval setting
// changed.
func (s *Service) Reschedule() { s.sync.Reschedule() }

// Close stops the watcher and the synchronizer. Safe to call multiple
// times; in-flight fetches complete or fail naturally.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sync.Stop()
		err = s.watcher.Close()
	})
	return err
}
