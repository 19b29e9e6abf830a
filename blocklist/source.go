package blocklist

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Entry is one blocklist record as persisted in a source file. Only the hash
// survives into the cache; comment and timestamp are file-level metadata.
type Entry struct {
	TTH       string `json:"tth"`
	Comment   string `json:"comment,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// sourceFile is the on-disk JSON shape of one blocklist source.
type sourceFile struct {
	URL         *string `json:"url"`
	Version     string  `json:"version,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
	Description string  `json:"description,omitempty"`
	TTHs        []Entry `json:"tths"`
}

// rawSource defers entry-list decoding so that a malformed tths field can be
// told apart from malformed top-level JSON: the former excludes the source,
// the latter triggers a repair to the minimal default.
type rawSource struct {
	URL         *string         `json:"url"`
	Version     string          `json:"version"`
	UpdatedAt   string          `json:"updated_at"`
	Description string          `json:"description"`
	TTHs        json.RawMessage `json:"tths"`
}

var (
	errEmptySource   = errors.New("empty source file")
	errCorruptSource = errors.New("malformed source file")
)

// parseSource decodes data into a sourceFile.
// Returns errEmptySource for blank content and errCorruptSource when the
// top-level JSON does not parse; both are repairable conditions. Any other
// error means the file parsed but has an unusable shape.
func parseSource(data []byte) (*sourceFile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptySource
	}
	var raw rawSource
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptSource, err)
	}
	sf := &sourceFile{
		URL:         raw.URL,
		Version:     raw.Version,
		UpdatedAt:   raw.UpdatedAt,
		Description: raw.Description,
		TTHs:        []Entry{},
	}
	if len(raw.TTHs) > 0 && !bytes.Equal(bytes.TrimSpace(raw.TTHs), []byte("null")) {
		if err := json.Unmarshal(raw.TTHs, &sf.TTHs); err != nil {
			return nil, fmt.Errorf("tths is not an entry array: %v", err)
		}
	}
	return sf, nil
}

// validateShape applies the structural rules beyond JSON syntax: a source
// with a fetchable origin must carry at least one valid hash when its entry
// list is non-empty, and an all-invalid non-empty list is rejected for local
// sources too (it means the file is not really a blocklist).
func validateShape(sf *sourceFile) error {
	if len(sf.TTHs) == 0 {
		return nil
	}
	for _, e := range sf.TTHs {
		if IsValidTTH(e.TTH) {
			return nil
		}
	}
	return errors.New("no valid TTHs in a non-empty entry list")
}

// validTTHs returns the set of well-formed hashes in sf. Malformed entries
// are dropped with a diagnostic and do not invalidate the rest.
func validTTHs(sf *sourceFile, sourceName string) map[string]struct{} {
	set := make(map[string]struct{}, len(sf.TTHs))
	for _, e := range sf.TTHs {
		if !IsValidTTH(e.TTH) {
			log.Debugf("source %s: skipping malformed TTH %q", sourceName, e.TTH)
			continue
		}
		set[e.TTH] = struct{}{}
	}
	return set
}

// minimalSource returns the smallest valid source file content: Internal
// origin and version for the writable source, a generated version and null
// origin for everything else.
func minimalSource(writable bool) *sourceFile {
	if writable {
		origin := InternalOrigin
		return &sourceFile{URL: &origin, Version: InternalOrigin, TTHs: []Entry{}}
	}
	return &sourceFile{Version: time.Now().UTC().Format(time.RFC3339), TTHs: []Entry{}}
}

// writeSource persists sf at path via a temp file and rename, and returns
// the resulting file modification time.
func writeSource(path string, sf *sourceFile) (time.Time, error) {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return time.Time{}, fmt.Errorf("encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return time.Time{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// originOf normalizes the url field: nil becomes the empty string.
func originOf(sf *sourceFile) string {
	if sf.URL == nil {
		return ""
	}
	return *sf.URL
}

// acceptableOriginURL reports whether raw names a fetchable origin.
// InternalOrigin always qualifies (it marks the writable source, which is
// never fetched). Otherwise the string must be an absolute http(s) URL that
// points at raw-file hosting; ordinary web pages serve HTML, not list data,
// so hosts and paths without a "raw" label are rejected.
func acceptableOriginURL(raw string) bool {
	if raw == InternalOrigin {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	for _, label := range strings.Split(u.Hostname(), ".") {
		if label == "raw" {
			return true
		}
	}
	for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if seg == "raw" {
			return true
		}
	}
	return false
}

// sourceNameFromFile derives the registry identity from a file name.
func sourceNameFromFile(filename string) string {
	return strings.TrimSuffix(filepath.Base(filename), ".json")
}
