package blocklist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source describes one blocklist unit discovered in the source directory.
// Name is the stable identity key (file name without extension).
type Source struct {
	Name        string
	Path        string
	Origin      string // "", InternalOrigin, or an origin URL
	Version     string
	UpdatedAt   string
	Description string
	ETag        string // from the most recent successful remote fetch
	ModTime     time.Time
}

// Writable reports whether this is the single locally editable source.
// The writable source is excluded from remote classification regardless of
// what its url field says.
func (s *Source) Writable() bool { return s.Name == WritableSourceName }

// Remote reports whether the source mirrors a fetchable origin URL.
func (s *Source) Remote() bool {
	if s.Writable() || s.Origin == "" || s.Origin == InternalOrigin {
		return false
	}
	return acceptableOriginURL(s.Origin)
}

// ChangeToken returns the change-detection token for remote content:
// the version string when non-empty, otherwise the update timestamp.
func (s *Source) ChangeToken() string {
	if s.Version != "" {
		return s.Version
	}
	return s.UpdatedAt
}

// Registry enumerates and validates the blocklist sources in one directory.
// It keeps per-source metadata (change token, ETag, mod time) across
// rescans; cache contents live elsewhere.
type Registry struct {
	dir      string
	notifier Notifier

	mu       sync.Mutex
	sources  map[string]*Source
	reported map[string]string // last reported structural error per source
}

// NewRegistry creates a registry over dir. The directory is created if
// missing so that a fresh install starts with just the writable source.
func NewRegistry(dir string, notifier Notifier) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("source directory %s: %w", dir, err)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Registry{
		dir:      dir,
		notifier: notifier,
		sources:  make(map[string]*Source),
		reported: make(map[string]string),
	}, nil
}

// Dir returns the watched source directory.
func (r *Registry) Dir() string { return r.dir }

// Scan lists every .json file in the directory, validating each one.
// Files that fail validation are excluded from the result and reported;
// the writable source is created if absent. Sources whose files have
// disappeared are dropped from the registry.
func (r *Registry) Scan() ([]*Source, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		name := sourceNameFromFile(de.Name())
		if _, _, err := r.loadLocked(name); err != nil {
			continue // reported by loadLocked
		}
		seen[name] = true
	}

	if !seen[WritableSourceName] {
		// Bootstrap only when the file is truly absent. A present but
		// wrong-shaped writable file is excluded and reported like any
		// other invalid source, never silently replaced.
		path := filepath.Join(r.dir, WritableSourceName+".json")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if _, _, err := r.bootstrapWritableLocked(); err != nil {
				return nil, err
			}
			seen[WritableSourceName] = true
		}
	}

	for name := range r.sources {
		if !seen[name] {
			log.Infof("source %s disappeared, dropping from registry", name)
			delete(r.sources, name)
			delete(r.reported, name)
		}
	}

	return r.listLocked(), nil
}

// Load re-reads and validates the named source from disk, updating its
// registry metadata. Returns fs.ErrNotExist when the file is gone, in which
// case the source has been dropped from the registry.
func (r *Registry) Load(name string) (*Source, *sourceFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(name)
}

func (r *Registry) loadLocked(name string) (*Source, *sourceFile, error) {
	path := filepath.Join(r.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(r.sources, name)
			delete(r.reported, name)
			return nil, nil, err
		}
		r.notifier.Error(fmt.Sprintf("blocklist source %s: %v", name, err))
		return nil, nil, err
	}

	sf, perr := parseSource(data)
	switch {
	case errors.Is(perr, errEmptySource):
		// Not an error: rewrite in place with the minimal valid structure.
		log.Infof("source %s is empty, writing minimal structure", name)
		sf = minimalSource(name == WritableSourceName)
		if _, err := writeSource(path, sf); err != nil {
			return nil, nil, err
		}
	case errors.Is(perr, errCorruptSource):
		// Repair action: reset to the minimal default, report, continue
		// as valid-empty.
		r.notifier.Error(fmt.Sprintf("blocklist source %s is corrupt, resetting: %v", name, perr))
		sf = minimalSource(name == WritableSourceName)
		if _, err := writeSource(path, sf); err != nil {
			return nil, nil, err
		}
	case perr != nil:
		r.reportOnceLocked(name, fmt.Sprintf("blocklist source %s is invalid: %v", name, perr))
		delete(r.sources, name)
		return nil, nil, perr
	default:
		if err := validateShape(sf); err != nil {
			r.reportOnceLocked(name, fmt.Sprintf("blocklist source %s is invalid: %v", name, err))
			delete(r.sources, name)
			return nil, nil, err
		}
	}
	delete(r.reported, name)

	src := r.sources[name]
	if src == nil {
		src = &Source{Name: name, Path: path}
		r.sources[name] = src
	}
	src.Origin = originOf(sf)
	src.Version = sf.Version
	src.UpdatedAt = sf.UpdatedAt
	src.Description = sf.Description
	if fi, err := os.Stat(path); err == nil {
		src.ModTime = fi.ModTime()
	}

	cp := *src
	return &cp, sf, nil
}

// reportOnceLocked emits a structural-error notification unless the same
// message was already reported for this source. A successful load clears
// the record, so a file that breaks again is reported again.
func (r *Registry) reportOnceLocked(name, msg string) {
	if r.reported[name] == msg {
		return
	}
	r.reported[name] = msg
	r.notifier.Error(msg)
}

// EnsureWritable returns the writable source, creating its file with the
// minimal structure if absent and repairing it if corrupt.
func (r *Registry) EnsureWritable() (*Source, *sourceFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, sf, err := r.loadLocked(WritableSourceName)
	if errors.Is(err, fs.ErrNotExist) {
		return r.bootstrapWritableLocked()
	}
	return src, sf, err
}

func (r *Registry) bootstrapWritableLocked() (*Source, *sourceFile, error) {
	path := filepath.Join(r.dir, WritableSourceName+".json")
	sf := minimalSource(true)
	modTime, err := writeSource(path, sf)
	if err != nil {
		return nil, nil, fmt.Errorf("create writable source: %w", err)
	}
	log.Infof("created writable source %s", path)
	src := &Source{
		Name:    WritableSourceName,
		Path:    path,
		Origin:  InternalOrigin,
		Version: InternalOrigin,
		ModTime: modTime,
	}
	r.sources[WritableSourceName] = src
	cp := *src
	return &cp, sf, nil
}

// StoreRemote rewrites the named source's mirror file with freshly fetched
// content and records the new ETag and change token. Returns the write's
// modification time so callers can mark it as already processed.
func (r *Registry) StoreRemote(name string, sf *sourceFile, etag string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[name]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown source %s", name)
	}
	modTime, err := writeSource(src.Path, sf)
	if err != nil {
		return time.Time{}, fmt.Errorf("write mirror for %s: %w", name, err)
	}
	src.Version = sf.Version
	src.UpdatedAt = sf.UpdatedAt
	src.Description = sf.Description
	src.ETag = etag
	src.ModTime = modTime
	return modTime, nil
}

// SetETag records the entity tag from a remote fetch that carried no
// content change.
func (r *Registry) SetETag(name, etag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[name]; ok {
		src.ETag = etag
	}
}

// Get returns a snapshot of the named source's metadata.
func (r *Registry) Get(name string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return nil, false
	}
	cp := *src
	return &cp, true
}

// List returns snapshots of all known sources, sorted by name.
func (r *Registry) List() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []*Source {
	out := make([]*Source, 0, len(r.sources))
	for _, src := range r.sources {
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
