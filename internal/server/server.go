package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelgr/dexrelay/internal/balancer"
	"github.com/pavelgr/dexrelay/internal/cache"
	"github.com/pavelgr/dexrelay/internal/coalesce"
	"github.com/pavelgr/dexrelay/internal/metrics"
	"github.com/pavelgr/dexrelay/internal/rpcnode"
	"github.com/pavelgr/dexrelay/internal/stream"
	"github.com/pavelgr/dexrelay/internal/upstream"
	"github.com/pavelgr/dexrelay/internal/version"
)

// Deps carries the service objects the handlers operate on. They are
// constructed exactly once in main and passed here by reference.
type Deps struct {
	Hub      *stream.Hub
	Node     *rpcnode.Node
	Balancer *balancer.Balancer
	Upstream *upstream.Client
	Routes   *upstream.Registry
	Proxy    *coalesce.Manager[ProxiedResponse]

	// CacheStats reports the shared data cache for /healthz.
	CacheStats func() cache.Stats
}

// New builds the HTTP handler tree.
func New(deps Deps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("GET /api/stream", stream.SSEHandler(deps.Hub, logger))
	mux.Handle("GET /ws/stream", stream.WSHandler(deps.Hub, logger))

	proxy := &proxyHandler{
		client: deps.Upstream,
		routes: deps.Routes,
		mgr:    deps.Proxy,
		logger: logger,
	}
	mux.Handle("GET /api/proxy", proxy)
	mux.Handle("POST /api/proxy", proxy)

	mux.Handle("POST /api/rpc", &relayHandler{node: deps.Node, logger: logger})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthSummary(deps))
	})

	mux.Handle("GET /debug/vars", metrics.Handler())

	return withResponseCounting(mux)
}

func healthSummary(deps Deps) map[string]any {
	summary := map[string]any{
		"status":    "ok",
		"version":   version.String(),
		"timestamp": time.Now().UnixMilli(),
	}
	if deps.Balancer != nil {
		summary["endpoints"] = deps.Balancer.Stats()
	}
	if deps.Hub != nil {
		summary["stream"] = deps.Hub.Stats()
	}
	if deps.CacheStats != nil {
		summary["cache"] = deps.CacheStats()
	}
	return summary
}

// withResponseCounting records served status codes into expvar.
func withResponseCounting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.CountResponse(metrics.AppResponses, rec.Status)
	})
}

type errorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorPayload{Error: msg, Details: details})
}
