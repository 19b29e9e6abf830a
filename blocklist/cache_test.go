package blocklist

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheFixture(t *testing.T) (string, *Registry, *Cache, *testSettings, *testNotifier) {
	t.Helper()
	dir := t.TempDir()
	notifier := &testNotifier{}
	settings := &testSettings{}
	reg, err := NewRegistry(dir, notifier)
	require.NoError(t, err)
	return dir, reg, NewCache(reg, settings, notifier), settings, notifier
}

func TestFullReloadEmptyDirectory(t *testing.T) {
	_, _, cache, _, _ := newCacheFixture(t)
	require.NoError(t, cache.FullReload())

	// Nothing is denied from a fresh directory.
	assert.Equal(t, 0, cache.Size())
	assert.False(t, cache.Blocked(tthA))
}

func TestFullReloadWritableSource(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	writeTestFile(t, dir, "personal.json", sourceJSON(InternalOrigin, InternalOrigin, tthA))
	require.NoError(t, cache.FullReload())

	assert.True(t, cache.Blocked(tthA))
	assert.False(t, cache.Blocked(tthB), "other valid hashes stay allowed")
	assert.Equal(t, 1, cache.SourceSize(WritableSourceName))
}

func TestFullReloadSkipsDisabledSource(t *testing.T) {
	dir, _, cache, settings, _ := newCacheFixture(t)
	writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA))
	settings.setEnabled("extra", false)
	require.NoError(t, cache.FullReload())

	assert.False(t, cache.Blocked(tthA))
	assert.Equal(t, 0, cache.SourceSize("extra"))
}

func TestReconcileOneRoundTrip(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	require.NoError(t, cache.FullReload())

	// One malformed entry among valid ones: dropped silently, the rest load.
	writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA, tthB[:38], tthC))
	changed, err := cache.ReconcileOne("extra")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, cache.SourceSize("extra"))
	assert.True(t, cache.Blocked(tthA))
	assert.True(t, cache.Blocked(tthC))
	assert.False(t, cache.Blocked(tthB))
}

func TestReconcileOneIdempotent(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	require.NoError(t, cache.FullReload())
	writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA))

	changed, err := cache.ReconcileOne("extra")
	require.NoError(t, err)
	assert.True(t, changed)

	// No file change in between: the second call is a suppressed no-op.
	changed, err = cache.ReconcileOne("extra")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, cache.Blocked(tthA))
}

func TestReconcileOnePicksUpRewrite(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	require.NoError(t, cache.FullReload())
	path := writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA))
	_, err := cache.ReconcileOne("extra")
	require.NoError(t, err)

	writeTestFile(t, dir, "extra.json", sourceJSON("", "v2", tthB))
	advanceModTime(t, path)
	changed, err := cache.ReconcileOne("extra")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, cache.Blocked(tthA))
	assert.True(t, cache.Blocked(tthB))
}

func TestDisableRemovesOnlyUniqueHashes(t *testing.T) {
	dir, _, cache, settings, _ := newCacheFixture(t)
	writeTestFile(t, dir, "one.json", sourceJSON("", "v1", tthA, tthD))
	writeTestFile(t, dir, "two.json", sourceJSON("", "v1", tthB, tthD))
	require.NoError(t, cache.FullReload())
	require.True(t, cache.Blocked(tthA))
	require.True(t, cache.Blocked(tthD))

	settings.setEnabled("one", false)
	changed, err := cache.ReconcileOne("one")
	require.NoError(t, err)
	assert.False(t, changed, "disable is a removal, not a reload")

	assert.False(t, cache.Blocked(tthA), "unique hash goes")
	assert.True(t, cache.Blocked(tthD), "hash shared with an enabled source stays")
	assert.True(t, cache.Blocked(tthB))
	assert.Equal(t, 0, cache.SourceSize("one"))
}

func TestReEnableReloadsWithoutFileChange(t *testing.T) {
	dir, _, cache, settings, _ := newCacheFixture(t)
	writeTestFile(t, dir, "one.json", sourceJSON("", "v1", tthA))
	require.NoError(t, cache.FullReload())

	settings.setEnabled("one", false)
	_, err := cache.ReconcileOne("one")
	require.NoError(t, err)
	require.False(t, cache.Blocked(tthA))

	settings.setEnabled("one", true)
	changed, err := cache.ReconcileOne("one")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, cache.Blocked(tthA))
}

func TestReconcileOneRemovedFile(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	path := writeTestFile(t, dir, "gone.json", sourceJSON("", "v1", tthA))
	require.NoError(t, cache.FullReload())
	require.True(t, cache.Blocked(tthA))

	require.NoError(t, os.Remove(path))
	changed, err := cache.ReconcileOne("gone")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, cache.Blocked(tthA))

	// Idempotent for a source that was never loaded.
	changed, err = cache.ReconcileOne("gone")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconcileOneInvalidFileDropsContribution(t *testing.T) {
	dir, _, cache, _, notifier := newCacheFixture(t)
	path := writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA))
	require.NoError(t, cache.FullReload())
	require.True(t, cache.Blocked(tthA))

	writeTestFile(t, dir, "extra.json", `{"url": null, "tths": 42}`)
	advanceModTime(t, path)
	_, err := cache.ReconcileOne("extra")
	require.Error(t, err)
	assert.False(t, cache.Blocked(tthA))
	assert.GreaterOrEqual(t, notifier.errorCount(), 1)
}

func TestQueryDuringReconcileSeesConsistentState(t *testing.T) {
	dir, _, cache, _, _ := newCacheFixture(t)
	path := writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA, tthB))
	require.NoError(t, cache.FullReload())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			// Both hashes always move together: never a half-merged view.
			a, b := cache.Blocked(tthA), cache.Blocked(tthB)
			assert.Equal(t, a, b)
		}
	}()

	for i := 0; i < 20; i++ {
		writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA, tthB))
		advanceModTime(t, path)
		_, err := cache.ReconcileOne("extra")
		require.NoError(t, err)
	}
	<-done
}

func TestEnabledFailsSafe(t *testing.T) {
	dir := t.TempDir()
	notifier := &testNotifier{}
	reg, err := NewRegistry(dir, notifier)
	require.NoError(t, err)
	cache := NewCache(reg, panickySettings{}, notifier)
	writeTestFile(t, dir, "extra.json", sourceJSON("", "v1", tthA))

	// A broken settings object must not crash loading; sources are treated
	// as unavailable and the condition is reported.
	require.NoError(t, cache.FullReload())
	assert.False(t, cache.Blocked(tthA))
	assert.GreaterOrEqual(t, notifier.errorCount(), 1)
}

type panickySettings struct{}

func (panickySettings) SourceEnabled(string) bool     { panic("settings store unavailable") }
func (panickySettings) UpdateInterval() time.Duration { panic("settings store unavailable") }
