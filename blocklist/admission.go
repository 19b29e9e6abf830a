package blocklist

import "fmt"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string // human-readable, set on deny
}

// Guard is the admission decision surface exposed to the host's download
// queue. It only reads the in-memory aggregate set and never blocks on I/O.
type Guard struct {
	cache    *Cache
	notifier Notifier
}

// NewGuard creates an admission guard over the cache.
func NewGuard(cache *Cache, notifier Notifier) *Guard {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Guard{cache: cache, notifier: notifier}
}

// Decide reports whether the file named displayName with hash tth may be
// admitted. On deny, a human-readable notification is emitted. A
// catastrophic internal error fails open: legitimate traffic is never
// blocked indefinitely by a broken cache.
func (g *Guard) Decide(tth, displayName string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("admission check for %s panicked: %v", tth, r)
			g.notifier.Error(fmt.Sprintf("blocklist check failed for %q, allowing download: %v", displayName, r))
			d = Decision{Allowed: true}
		}
	}()

	if g.cache.Blocked(tth) {
		incDenied()
		reason := fmt.Sprintf("blocked download %q (TTH %s)", displayName, tth)
		g.notifier.Info(reason)
		return Decision{Allowed: false, Reason: reason}
	}
	incAllowed()
	return Decision{Allowed: true}
}
