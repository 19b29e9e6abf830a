package blocklist

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"
)

// cacheState is an immutable snapshot of the cache contents. Mutations build
// a new state and swap the pointer, so readers never see a half-merged
// source. Per-source sets are shared between snapshots and never mutated
// after publication.
type cacheState struct {
	all      map[string]struct{}
	bySource map[string]map[string]struct{}
}

func emptyState() *cacheState {
	return &cacheState{
		all:      make(map[string]struct{}),
		bySource: make(map[string]map[string]struct{}),
	}
}

// clone copies the outer maps; per-source sets stay shared.
func (st *cacheState) clone() *cacheState {
	next := &cacheState{
		all:      make(map[string]struct{}, len(st.all)),
		bySource: make(map[string]map[string]struct{}, len(st.bySource)),
	}
	for id := range st.all {
		next.all[id] = struct{}{}
	}
	for name, set := range st.bySource {
		next.bySource[name] = set
	}
	return next
}

// remove drops a source's contribution. Hashes shared with another source
// stay in the aggregate set.
func (st *cacheState) remove(name string) bool {
	old, ok := st.bySource[name]
	if !ok {
		return false
	}
	delete(st.bySource, name)
	for id := range old {
		shared := false
		for _, set := range st.bySource {
			if _, ok := set[id]; ok {
				shared = true
				break
			}
		}
		if !shared {
			delete(st.all, id)
		}
	}
	return len(old) > 0
}

// merge installs set as the source's contribution. The caller must have
// removed any prior contribution first.
func (st *cacheState) merge(name string, set map[string]struct{}) {
	st.bySource[name] = set
	for id := range set {
		st.all[id] = struct{}{}
	}
}

// Cache is the aggregate membership index: the union of all enabled
// sources' hashes plus a per-source reverse index for precise incremental
// updates. Reads are lock-free; mutations serialize on a single mutex and
// publish atomically.
type Cache struct {
	registry *Registry
	settings Settings
	notifier Notifier

	mu        sync.Mutex // serializes all mutation
	state     atomic.Pointer[cacheState]
	processed map[string]time.Time // last handled file mod time per source
}

// NewCache creates an empty cache over the registry. A nil settings or
// notifier falls back to defaults (everything enabled, notifications
// dropped).
func NewCache(registry *Registry, settings Settings, notifier Notifier) *Cache {
	if settings == nil {
		settings = defaultSettings{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	c := &Cache{
		registry:  registry,
		settings:  settings,
		notifier:  notifier,
		processed: make(map[string]time.Time),
	}
	c.state.Store(emptyState())
	return c
}

// Blocked reports whether tth is on any enabled blocklist. Lock-free and
// never touches I/O; safe to call concurrently with reconciliation.
func (c *Cache) Blocked(tth string) bool {
	st := c.state.Load()
	_, ok := st.all[tth]
	return ok
}

// Size returns the number of distinct blocked hashes.
func (c *Cache) Size() int { return len(c.state.Load().all) }

// SourceSize returns how many hashes the named source contributes.
func (c *Cache) SourceSize(name string) int { return len(c.state.Load().bySource[name]) }

// FullReload rescans the directory and rebuilds the cache from every
// enabled source. Used at startup and when the enabled-state configuration
// changes wholesale; steady-state changes go through ReconcileOne.
func (c *Cache) FullReload() error {
	sources, err := c.registry.Scan()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := emptyState()
	c.processed = make(map[string]time.Time)
	for _, src := range sources {
		if !c.enabled(src.Name) {
			log.Debugf("source %s disabled, not loading", src.Name)
			continue
		}
		loaded, sf, err := c.registry.Load(src.Name)
		if err != nil {
			continue // excluded and reported by the registry
		}
		set := validTTHs(sf, src.Name)
		next.merge(src.Name, set)
		c.processed[src.Name] = loaded.ModTime
		updateEntries(src.Name, len(set))
		log.Infof("source %s: loaded %d hashes", src.Name, len(set))
	}
	c.state.Store(next)
	return nil
}

// ReconcileOne brings the aggregate set up to date for a single source:
// remove its prior contribution, then re-merge it if the file still exists,
// validates, and the source is enabled. Atomic with respect to readers.
// Returns whether a reload actually occurred.
func (c *Cache) ReconcileOne(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, sf, err := c.registry.Load(name)
	if err != nil {
		// Gone or invalid: drop the prior contribution either way.
		c.dropLocked(name)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	st := c.state.Load()
	_, loaded := st.bySource[name]
	on := c.enabled(name)

	// Change suppression: overlapping triggers for a file the cache has
	// already handled at this mod time are no-ops.
	if last, ok := c.processed[name]; ok && loaded && on && !src.ModTime.After(last) {
		log.Debugf("source %s unchanged since %s, skipping reload", name, last)
		return false, nil
	}

	if !on {
		if loaded {
			c.dropLocked(name)
		}
		return false, nil
	}

	set := validTTHs(sf, name)
	next := st.clone()
	next.remove(name)
	next.merge(name, set)
	c.processed[name] = src.ModTime
	c.state.Store(next)
	updateEntries(name, len(set))
	log.Infof("source %s: reloaded, %d hashes", name, len(set))
	return true, nil
}

// dropLocked removes a source's contribution and forgets its bookkeeping.
func (c *Cache) dropLocked(name string) {
	st := c.state.Load()
	if _, ok := st.bySource[name]; ok {
		next := st.clone()
		next.remove(name)
		c.state.Store(next)
		removeEntries(name)
		log.Infof("source %s: contribution removed", name)
	}
	delete(c.processed, name)
}

// fold merges freshly appended hashes from the writable source without a
// reparse, recording the write's mod time so the watcher treats the file as
// already processed.
func (c *Cache) fold(name string, tths []string, modTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state.Load()
	set := make(map[string]struct{}, len(st.bySource[name])+len(tths))
	for id := range st.bySource[name] {
		set[id] = struct{}{}
	}
	for _, id := range tths {
		set[id] = struct{}{}
	}
	next := st.clone()
	delete(next.bySource, name) // contribution only grows, no union rebuild
	next.merge(name, set)
	c.state.Store(next)
	c.processed[name] = modTime
	updateEntries(name, len(set))
}

// processedAt returns the last handled mod time for a source, if any.
func (c *Cache) processedAt(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.processed[name]
	return t, ok
}

// Enabled reports whether the source is currently enabled in settings.
func (c *Cache) Enabled(name string) bool { return c.enabled(name) }

// enabled consults the external settings, failing safe: if the settings
// object misbehaves, the source is treated as unavailable for loading and
// the condition is reported, never propagated.
func (c *Cache) enabled(name string) (on bool) {
	defer func() {
		if r := recover(); r != nil {
			on = false
			c.notifier.Error(fmt.Sprintf("settings lookup for source %s failed: %v", name, r))
		}
	}()
	return c.settings.SourceEnabled(name)
}
