package blocklist

import (
	"fmt"
	"time"
)

// Editor appends user-selected hashes to the writable source and folds them
// into the cache without a reparse.
type Editor struct {
	registry *Registry
	cache    *Cache
}

// NewEditor creates an editor over the writable source.
func NewEditor(registry *Registry, cache *Cache) *Editor {
	return &Editor{registry: registry, cache: cache}
}

// Append persists the given entries into the writable source, skipping any
// hash that is malformed, already blocked, or repeated within the batch.
// Returns the hashes actually added; an empty result with a nil error means
// everything was already covered. Newly accepted hashes are queryable
// immediately, with no reconciliation delay.
func (e *Editor) Append(entries []Entry) ([]string, error) {
	_, sf, err := e.registry.EnsureWritable()
	if err != nil {
		return nil, fmt.Errorf("read writable source: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var added []string
	inBatch := make(map[string]bool)
	for _, entry := range entries {
		if !IsValidTTH(entry.TTH) {
			log.Warnf("rejecting malformed TTH %q", entry.TTH)
			continue
		}
		if e.cache.Blocked(entry.TTH) || inBatch[entry.TTH] {
			continue
		}
		inBatch[entry.TTH] = true
		if entry.Timestamp == "" {
			entry.Timestamp = now
		}
		sf.TTHs = append(sf.TTHs, entry)
		added = append(added, entry.TTH)
	}

	if len(added) == 0 {
		return nil, nil
	}

	src, ok := e.registry.Get(WritableSourceName)
	if !ok {
		return nil, fmt.Errorf("writable source missing from registry")
	}
	modTime, err := writeSource(src.Path, sf)
	if err != nil {
		return nil, fmt.Errorf("write writable source: %w", err)
	}

	e.cache.fold(WritableSourceName, added, modTime)
	log.Infof("added %d hashes to %s", len(added), WritableSourceName)
	return added, nil
}
