package blocklist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideDeny(t *testing.T) {
	dir, _, cache, _, notifier := newCacheFixture(t)
	writeTestFile(t, dir, "personal.json", sourceJSON(InternalOrigin, InternalOrigin, tthA))
	require.NoError(t, cache.FullReload())
	guard := NewGuard(cache, notifier)

	d := guard.Decide(tthA, "linux.iso")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "linux.iso")
	assert.Contains(t, d.Reason, tthA)

	// The deny is surfaced through the notification channel.
	assert.Contains(t, notifier.lastInfo(), "linux.iso")
}

func TestDecideAllow(t *testing.T) {
	_, _, cache, _, notifier := newCacheFixture(t)
	require.NoError(t, cache.FullReload())
	guard := NewGuard(cache, notifier)

	d := guard.Decide(strings.Repeat("E", 39), "fine.bin")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.Empty(t, notifier.lastInfo())
}

func TestDecideFailsOpen(t *testing.T) {
	notifier := &testNotifier{}
	guard := NewGuard(nil, notifier)

	// A broken cache must never block legitimate traffic; the error is
	// surfaced instead.
	d := guard.Decide(tthA, "file.bin")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, notifier.errorCount())
}
