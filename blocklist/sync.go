package blocklist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultFetchAttempts = 3
	defaultRetryDelay    = 30 * time.Second
	maxSourceBytes       = 8 << 20
)

// userAgent returns an identifier for HTTP requests to blocklist operators.
// This helps list maintainers identify tthblock as a consumer of their data.
func userAgent() string {
	const (
		name       = "tthblock"
		importPath = "github.com/hubward/tthblock"
	)
	version := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == importPath {
				version = dep.Version
				break
			}
		}
		// Main module
		if version == "unknown" && bi.Main.Path == importPath && bi.Main.Version != "" {
			version = bi.Main.Version
		}
	}
	return name + "/" + version
}

// fetchOutcome classifies one remote fetch attempt.
type fetchOutcome int

const (
	// fetchUpdated means new content was written and reconciled.
	fetchUpdated fetchOutcome = iota
	// fetchUnchanged covers 304 responses and unchanged version tokens.
	fetchUnchanged
	// fetchRetryable is a transport-level failure worth another attempt
	// within the same tick.
	fetchRetryable
	// fetchTerminal failures are not retried this tick.
	fetchTerminal
)

// Synchronizer mirrors remote sources into the watched directory on a
// reschedulable timer. A failing source never stalls the others or cancels
// the timer; its in-memory state stays at last-known-good.
type Synchronizer struct {
	registry *Registry
	cache    *Cache
	settings Settings
	notifier Notifier
	client   *http.Client

	attempts   int
	retryDelay time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	badOrigin map[string]bool // origins already reported as unacceptable
}

// NewSynchronizer creates a synchronizer over the registry and cache.
func NewSynchronizer(registry *Registry, cache *Cache, settings Settings, notifier Notifier) *Synchronizer {
	if settings == nil {
		settings = defaultSettings{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Synchronizer{
		registry:   registry,
		cache:      cache,
		settings:   settings,
		notifier:   notifier,
		client:     &http.Client{Timeout: 30 * time.Second},
		attempts:   defaultFetchAttempts,
		retryDelay: defaultRetryDelay,
		badOrigin:  make(map[string]bool),
	}
}

// Start runs one sync pass in the background and installs the refresh
// timer. Calling Start twice is a no-op, and a stopped synchronizer stays
// stopped; build a new one to resume syncing.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	go func() {
		s.SyncAll(ctx)
		s.schedule()
	}()
}

// Reschedule cancels any pending timer and installs a new one with the
// current settings interval. Call after the update interval changes.
func (s *Synchronizer) Reschedule() { s.schedule() }

// Stop cancels the timer and schedules no further work. An in-flight fetch
// completes or fails naturally.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Synchronizer) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.interval(), s.tick)
}

func (s *Synchronizer) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.SyncAll(ctx)
	s.schedule()
}

// interval returns the configured refresh interval, clamped to the minimum
// and failing safe to hourly if the settings object misbehaves.
func (s *Synchronizer) interval() (d time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("settings interval lookup failed: %v", r)
			d = time.Hour
		}
	}()
	d = s.settings.UpdateInterval()
	if d < minUpdateInterval {
		d = minUpdateInterval
	}
	return d
}

// SyncAll runs one fetch pass over every enabled remote source.
func (s *Synchronizer) SyncAll(ctx context.Context) {
	for _, src := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		if src.Writable() || src.Origin == "" || src.Origin == InternalOrigin {
			continue
		}
		if !acceptableOriginURL(src.Origin) {
			s.reportBadOrigin(src)
			continue
		}
		if !s.cache.enabled(src.Name) {
			continue
		}
		// Errors are reported inside; one broken source must not stop the
		// rest of the pass.
		_ = s.syncSource(ctx, src)
	}
}

// reportBadOrigin reports an unacceptable origin URL once per origin; such
// sources are skipped, not retried.
func (s *Synchronizer) reportBadOrigin(src *Source) {
	s.mu.Lock()
	already := s.badOrigin[src.Origin]
	s.badOrigin[src.Origin] = true
	s.mu.Unlock()
	if !already {
		s.notifier.Error(fmt.Sprintf("blocklist source %s has an unusable origin URL %q", src.Name, src.Origin))
	}
}

// syncSource fetches one source with a bounded fixed-delay retry loop.
func (s *Synchronizer) syncSource(ctx context.Context, src *Source) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		outcome, err := s.fetchOnce(ctx, src)
		switch outcome {
		case fetchUpdated, fetchUnchanged:
			return nil
		case fetchTerminal:
			incFetchFailed(src.Name)
			s.notifier.Error(fmt.Sprintf("updating blocklist %s failed: %v", src.Name, err))
			return err
		}
		lastErr = err
		log.Warnf("source %s: fetch attempt %d/%d failed: %v", src.Name, attempt, s.attempts, err)
		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	incFetchFailed(src.Name)
	s.notifier.Error(fmt.Sprintf("updating blocklist %s failed after %d attempts: %v", src.Name, s.attempts, lastErr))
	return lastErr
}

// fetchOnce performs a single conditional fetch of src's origin.
func (s *Synchronizer) fetchOnce(ctx context.Context, src *Source) (fetchOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Origin, nil)
	if err != nil {
		return fetchTerminal, err
	}
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fetchRetryable, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Debugf("source %s: not modified", src.Name)
		return fetchUnchanged, nil
	}
	if resp.StatusCode != http.StatusOK {
		return fetchRetryable, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !textLikeContentType(ct) {
		return fetchRetryable, fmt.Errorf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return fetchRetryable, err
	}
	sf, err := parseSource(body)
	if err != nil {
		return fetchRetryable, fmt.Errorf("parse remote content: %w", err)
	}
	// A body that parses but has no usable hashes must never replace the
	// last-known-good mirror, on disk or in memory.
	if err := validateShape(sf); err != nil {
		return fetchRetryable, fmt.Errorf("remote content rejected: %w", err)
	}

	// The version token, not the transport status, is the authoritative
	// change signal: caching intermediaries may serve stale-but-200 content.
	token := sf.Version
	if token == "" {
		token = sf.UpdatedAt
	}
	if token != "" && token == src.ChangeToken() {
		log.Debugf("source %s: change token %q unchanged", src.Name, token)
		// Remember the entity tag so the next pass can short-circuit with
		// a conditional request instead of re-downloading the body.
		if etag := resp.Header.Get("Etag"); etag != "" {
			s.registry.SetETag(src.Name, etag)
		}
		return fetchUnchanged, nil
	}

	// Keep the mirror pointed at its configured origin regardless of what
	// the fetched body claims.
	origin := src.Origin
	sf.URL = &origin

	if _, err := s.registry.StoreRemote(src.Name, sf, resp.Header.Get("Etag")); err != nil {
		return fetchTerminal, err
	}
	if _, err := s.cache.ReconcileOne(src.Name); err != nil {
		return fetchTerminal, err
	}
	updateLastUpdate(src.Name, time.Now().Unix())
	log.Infof("source %s: mirror updated, change token %q", src.Name, token)
	return fetchUpdated, nil
}

// textLikeContentType reports whether ct indicates structured or plain text
// data. Anything else (HTML error pages in particular) is a fetch failure.
func textLikeContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "html") {
		return false
	}
	return strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/")
}
