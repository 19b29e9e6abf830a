package blocklist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	dir      string
	registry *Registry
	cache    *Cache
	sync     *Synchronizer
	notifier *testNotifier
}

// newSyncFixture builds a registry/cache/synchronizer trio over a directory
// holding one remote mirror pointed at origin. Retries are fast.
func newSyncFixture(t *testing.T, origin, initial string) *syncFixture {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "mirror.json", initial)
	notifier := &testNotifier{}
	reg, err := NewRegistry(dir, notifier)
	require.NoError(t, err)
	cache := NewCache(reg, nil, notifier)
	require.NoError(t, cache.FullReload())

	s := NewSynchronizer(reg, cache, nil, notifier)
	s.retryDelay = 5 * time.Millisecond
	return &syncFixture{dir: dir, registry: reg, cache: cache, sync: s, notifier: notifier}
}

func TestSyncAppliesRemoteUpdate(t *testing.T) {
	var origin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Etag", `"e1"`)
		fmt.Fprint(w, sourceJSON("", "v2", tthB))
	}))
	defer srv.Close()
	origin = srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	require.True(t, fx.cache.Blocked(tthA))

	fx.sync.SyncAll(context.Background())

	assert.True(t, fx.cache.Blocked(tthB))
	assert.False(t, fx.cache.Blocked(tthA), "replaced content is gone")

	src, ok := fx.registry.Get("mirror")
	require.True(t, ok)
	assert.Equal(t, "v2", src.Version)
	assert.Equal(t, `"e1"`, src.ETag)

	// The mirror file keeps pointing at its configured origin.
	data, err := os.ReadFile(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)
	sf, err := parseSource(data)
	require.NoError(t, err)
	require.NotNil(t, sf.URL)
	assert.Equal(t, origin, *sf.URL)
	assert.Equal(t, 0, fx.notifier.errorCount())
}

func TestSyncNotModifiedShortCircuit(t *testing.T) {
	var requests atomic.Int32
	var origin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"e1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Etag", `"e1"`)
		fmt.Fprint(w, sourceJSON("", "v2", tthB))
	}))
	defer srv.Close()
	origin = srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	fx.sync.SyncAll(context.Background())
	require.True(t, fx.cache.Blocked(tthB))

	before, err := os.Stat(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)

	// Second pass sends the stored ETag and gets a 304: no write, no state
	// change, no retries.
	fx.sync.SyncAll(context.Background())
	assert.Equal(t, int32(2), requests.Load())

	after, err := os.Stat(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	src, _ := fx.registry.Get("mirror")
	assert.Equal(t, `"e1"`, src.ETag)
	assert.Equal(t, "v2", src.Version)
	assert.True(t, fx.cache.Blocked(tthB))
}

func TestSyncVersionTokenGating(t *testing.T) {
	var origin string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Etag", `"e9"`)
		// Same version, different bytes: the token is the authoritative
		// change signal, not the body.
		fmt.Fprint(w, sourceJSON("", "v1", tthA, tthB))
	}))
	defer srv.Close()
	origin = srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	before, err := os.Stat(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)

	fx.sync.SyncAll(context.Background())

	assert.False(t, fx.cache.Blocked(tthB), "no reload without a version change")
	after, err := os.Stat(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "no rewrite without a version change")

	// The response's entity tag is still captured for the next pass.
	src, _ := fx.registry.Get("mirror")
	assert.Equal(t, `"e9"`, src.ETag)
}

func TestSyncRetriesThenReports(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	origin := srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	fx.sync.SyncAll(context.Background())

	// Three attempts, one notification, last-known-good state untouched.
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, 1, fx.notifier.errorCount())
	assert.True(t, fx.cache.Blocked(tthA))
}

func TestSyncRejectsHTMLContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>not a blocklist</html>")
	}))
	defer srv.Close()
	origin := srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	fx.sync.SyncAll(context.Background())

	assert.Equal(t, 1, fx.notifier.errorCount())
	assert.True(t, fx.cache.Blocked(tthA))
}

func TestSyncKeepsLastKnownGoodOnUnusableBody(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// Parses fine, new version token, but no usable hash.
		fmt.Fprint(w, sourceJSON("", "v2", "SHORT"))
	}))
	defer srv.Close()
	origin := srv.URL + "/raw/list"

	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))
	before, err := os.ReadFile(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)

	fx.sync.SyncAll(context.Background())

	// Retried and reported, with both the in-memory set and the mirror
	// file untouched.
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, 1, fx.notifier.errorCount())
	assert.True(t, fx.cache.Blocked(tthA))

	after, err := os.ReadFile(filepath.Join(fx.dir, "mirror.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	src, ok := fx.registry.Get("mirror")
	require.True(t, ok)
	assert.Equal(t, "v1", src.Version)
}

func TestSyncSkipsUnacceptableOriginOnce(t *testing.T) {
	origin := "https://example.com/not-raw.json"
	fx := newSyncFixture(t, origin, sourceJSON(origin, "v1", tthA))

	fx.sync.SyncAll(context.Background())
	fx.sync.SyncAll(context.Background())

	// Reported once, never fetched.
	assert.Equal(t, 1, fx.notifier.errorCount())
	assert.True(t, fx.cache.Blocked(tthA))
}

func TestSyncSkipsDisabledSource(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()
	origin := srv.URL + "/raw/list"

	dir := t.TempDir()
	writeTestFile(t, dir, "mirror.json", sourceJSON(origin, "v1", tthA))
	settings := &testSettings{}
	settings.setEnabled("mirror", false)
	reg, err := NewRegistry(dir, nil)
	require.NoError(t, err)
	cache := NewCache(reg, settings, nil)
	require.NoError(t, cache.FullReload())

	s := NewSynchronizer(reg, cache, settings, nil)
	s.SyncAll(context.Background())
	assert.Equal(t, int32(0), requests.Load())
}

func TestSyncStopCancelsTimer(t *testing.T) {
	fx := newSyncFixture(t, "https://raw.example.org/l.json", sourceJSON("https://raw.example.org/l.json", "v1", tthA))

	fx.sync.Start()
	fx.sync.Stop()

	// Stop is idempotent; neither rescheduling nor restarting installs a
	// new timer afterwards.
	fx.sync.Stop()
	fx.sync.Reschedule()
	fx.sync.Start()
	fx.sync.mu.Lock()
	assert.Nil(t, fx.sync.timer)
	fx.sync.mu.Unlock()
}
