// Package httpapi exposes the blocklist service over HTTP for standalone
// deployments: admission checks, writable-list edits, source inspection and
// a forced sync trigger, plus health and metrics endpoints.
package httpapi

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubward/tthblock/blocklist"
)

var log = logging.Logger("httpapi")

var (
	requestCount    *prometheus.CounterVec
	initMetricsOnce sync.Once
	metricsRegistry prometheus.Registerer = prometheus.DefaultRegisterer
	metricsGatherer prometheus.Gatherer   = prometheus.DefaultGatherer
)

func initMetrics() {
	initMetricsOnce.Do(func() {
		if testing.Testing() {
			reg := prometheus.NewRegistry()
			metricsRegistry = reg
			metricsGatherer = reg
		}
		requestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tthblock",
			Subsystem: "httpapi",
			Name:      "requests_total",
			Help:      "HTTP API requests by status code.",
		}, []string{"code"})
		metricsRegistry.MustRegister(requestCount)
	})
}

// Handler builds the API router over svc.
func Handler(svc *blocklist.Service) http.Handler {
	initMetrics()
	h := &handler{svc: svc}

	r := mux.NewRouter()
	r.HandleFunc("/api/v0/check/{tth}", h.check).Methods(http.MethodGet)
	r.HandleFunc("/api/v0/block", h.block).Methods(http.MethodPost)
	r.HandleFunc("/api/v0/sources", h.sources).Methods(http.MethodGet)
	r.HandleFunc("/api/v0/sync", h.sync).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metricsGatherer, promhttp.HandlerOpts{}))

	return withRequestMetrics(r)
}

func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		requestCount.WithLabelValues(fmt.Sprintf("%d", m.Code)).Add(1)
		log.Debugf("%s %s (status=%d dt=%s)", r.Method, r.URL, m.Code, m.Duration)
	})
}

type handler struct {
	svc *blocklist.Service
}

type checkResponse struct {
	TTH     string `json:"tth"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (h *handler) check(w http.ResponseWriter, r *http.Request) {
	tth := mux.Vars(r)["tth"]
	if !blocklist.IsValidTTH(tth) {
		writeError(w, http.StatusBadRequest, "malformed hash identifier")
		return
	}
	d := h.svc.Guard().Decide(tth, r.URL.Query().Get("name"))
	writeJSON(w, http.StatusOK, checkResponse{TTH: tth, Allowed: d.Allowed, Reason: d.Reason})
}

type blockRequest struct {
	Entries []blocklist.Entry `json:"entries"`
}

type blockResponse struct {
	Added []string `json:"added"`
	Count int      `json:"count"`
}

func (h *handler) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("error decoding body: %s", err))
		return
	}
	added, err := h.svc.Editor().Append(req.Entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, blockResponse{Added: added, Count: len(added)})
}

type sourceInfo struct {
	Name       string `json:"name"`
	Origin     string `json:"origin,omitempty"`
	Version    string `json:"version,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	Entries    int    `json:"entries"`
	Enabled    bool   `json:"enabled"`
	Writable   bool   `json:"writable"`
	ModifiedAt string `json:"modified_at"`
}

func (h *handler) sources(w http.ResponseWriter, r *http.Request) {
	srcs := h.svc.Registry().List()
	out := make([]sourceInfo, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, sourceInfo{
			Name:       src.Name,
			Origin:     src.Origin,
			Version:    src.Version,
			UpdatedAt:  src.UpdatedAt,
			Entries:    h.svc.Cache().SourceSize(src.Name),
			Enabled:    h.svc.Cache().Enabled(src.Name),
			Writable:   src.Writable(),
			ModifiedAt: src.ModTime.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	h.svc.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"hashes":  h.svc.Cache().Size(),
		"sources": len(h.svc.Registry().List()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
