package blocklist

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "tthblock"
	metricsSubsystem = "blocklist"
)

var (
	deniedTotal      prometheus.Counter
	allowedTotal     prometheus.Counter
	entriesGauge     *prometheus.GaugeVec
	lastUpdateGauge  *prometheus.GaugeVec
	fetchFailedTotal *prometheus.CounterVec
	metricsOnce      sync.Once
)

// initMetrics initializes and registers metrics with the appropriate
// registry. Uses sync.Once to ensure single initialization across parallel
// tests.
func initMetrics() {
	metricsOnce.Do(func() {
		var registry prometheus.Registerer = prometheus.DefaultRegisterer

		if testing.Testing() {
			// Use isolated registry in tests to avoid metric collisions
			registry = prometheus.NewRegistry()
		}

		deniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "denied_total",
			Help:      "Total number of downloads denied by the blocklist.",
		})

		allowedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "allowed_total",
			Help:      "Total number of admission checks that passed.",
		})

		entriesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "entries",
			Help:      "Number of hashes contributed by each source.",
		}, []string{"source"})

		lastUpdateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "last_update_timestamp",
			Help:      "Unix timestamp of each source's last successful remote update.",
		}, []string{"source"})

		fetchFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fetch_failures_total",
			Help:      "Remote fetches that exhausted their retry budget.",
		}, []string{"source"})

		registry.MustRegister(deniedTotal, allowedTotal, entriesGauge, lastUpdateGauge, fetchFailedTotal)
	})
}

func incDenied() {
	if deniedTotal != nil {
		deniedTotal.Inc()
	}
}

func incAllowed() {
	if allowedTotal != nil {
		allowedTotal.Inc()
	}
}

func updateEntries(source string, count int) {
	if entriesGauge != nil {
		entriesGauge.WithLabelValues(source).Set(float64(count))
	}
}

func removeEntries(source string) {
	if entriesGauge != nil {
		entriesGauge.DeleteLabelValues(source)
	}
}

func updateLastUpdate(source string, unixTimestamp int64) {
	if lastUpdateGauge != nil {
		lastUpdateGauge.WithLabelValues(source).Set(float64(unixTimestamp))
	}
}

func incFetchFailed(source string) {
	if fetchFailedTotal != nil {
		fetchFailedTotal.WithLabelValues(source).Inc()
	}
}
