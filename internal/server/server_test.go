package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelgr/dexrelay/internal/balancer"
	"github.com/pavelgr/dexrelay/internal/cache"
	"github.com/pavelgr/dexrelay/internal/coalesce"
	"github.com/pavelgr/dexrelay/internal/estimator"
	"github.com/pavelgr/dexrelay/internal/ratelimit"
	"github.com/pavelgr/dexrelay/internal/rpcnode"
	"github.com/pavelgr/dexrelay/internal/stream"
	"github.com/pavelgr/dexrelay/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newProxyManager(t *testing.T) *coalesce.Manager[ProxiedResponse] {
	t.Helper()
	logger := testLogger()
	c := cache.New[ProxiedResponse](cache.Config{}, logger)
	lim := ratelimit.New(ratelimit.Config{RatePerSecond: 1000, MaxBurst: 1000}, logger)
	mgr, err := coalesce.New(coalesce.Config{}, c, lim, logger)
	if err != nil {
		t.Fatalf("coalesce.New failed: %v", err)
	}
	return mgr
}

// newProxyServer wires a handler tree against a fake upstream.
func newProxyServer(t *testing.T, upstreamHandler http.HandlerFunc) http.Handler {
	t.Helper()
	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	routes, err := upstream.NewRegistry(upstream.DefaultRoutes())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	client := upstream.NewClient(up.URL, "test-key", upstream.WithRetries(0, time.Millisecond))
	return New(Deps{
		Upstream: client,
		Routes:   routes,
		Proxy:    newProxyManager(t),
	}, testLogger())
}

func TestProxy_AuthRouteWithoutKey(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(up.Close)

	routes, err := upstream.NewRegistry(upstream.DefaultRoutes())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	h := New(Deps{
		Upstream: upstream.NewClient(up.URL, "", upstream.WithRetries(0, time.Millisecond)),
		Routes:   routes,
		Proxy:    newProxyManager(t),
	}, testLogger())

	// quote requires auth and is rejected before any upstream call.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?endpoint=quote&mint=abc", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("quote status = %d, want 401", rec.Code)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls after rejection = %d, want 0", n)
	}

	// price is public and passes through unauthenticated.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?endpoint=price&mint=abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("price status = %d, want 200", rec.Code)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestProxy_MissThenHit(t *testing.T) {
	var calls atomic.Int32
	h := newProxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tokens":["sol"]}`))
	})

	for i, want := range []string{"MISS", "HIT"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?endpoint=tokens", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
		if got := rec.Header().Get("X-Cache"); got != want {
			t.Errorf("request %d: X-Cache = %q, want %q", i, got, want)
		}
		if got := rec.Body.String(); got != `{"tokens":["sol"]}` {
			t.Errorf("request %d: body = %s", i, got)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestProxy_UnknownEndpoint(t *testing.T) {
	h := newProxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?endpoint=nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var payload struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(payload.Details, "price") {
		t.Errorf("details should list known endpoints, got %q", payload.Details)
	}
}

func TestProxy_MissingEndpointParam(t *testing.T) {
	h := newProxyServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProxy_RateLimitPassthrough(t *testing.T) {
	tests := []struct {
		name           string
		upstreamHint   string
		wantRetryAfter string
	}{
		{name: "upstream hint forwarded", upstreamHint: "3", wantRetryAfter: "3"},
		{name: "missing hint defaulted", upstreamHint: "", wantRetryAfter: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newProxyServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.upstreamHint != "" {
					w.Header().Set("Retry-After", tt.upstreamHint)
				}
				w.WriteHeader(http.StatusTooManyRequests)
			})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy?endpoint=price&mint=abc", nil))

			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.wantRetryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetryAfter)
			}
		})
	}
}

func TestProxy_PostNotCached(t *testing.T) {
	var calls atomic.Int32
	h := newProxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("upstream method = %s, want POST", r.Method)
		}
		w.Write([]byte(`{"quote":"ok"}`))
	})

	for range 2 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/proxy?endpoint=quote", bytes.NewReader([]byte(`{"amount":1}`)))
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
}

// newRelayServer wires the relay against a fake JSON-RPC node.
func newRelayServer(t *testing.T, rpcHandler http.HandlerFunc) http.Handler {
	t.Helper()
	node := httptest.NewServer(rpcHandler)
	t.Cleanup(node.Close)

	client := rpcnode.NewClient(rpcnode.WithLogger(testLogger()))
	lb, err := balancer.New(balancer.DefaultConfig(), []string{node.URL}, client.ProbeFor(), testLogger())
	if err != nil {
		t.Fatalf("balancer.New failed: %v", err)
	}

	return New(Deps{Node: rpcnode.NewNode(client, lb)}, testLogger())
}

func TestRelay_GetBalance(t *testing.T) {
	h := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		if req.Method != "getBalance" {
			t.Errorf("method = %q, want getBalance", req.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"value": 1500000},
		})
	})

	rec := httptest.NewRecorder()
	body := `{"method":"getBalance","params":{"address":"So11111111111111111111111111111111111111112"}}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Result struct {
			Value int64 `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Result.Value != 1500000 {
		t.Errorf("result.value = %d, want 1500000", resp.Result.Value)
	}
}

func TestRelay_RejectsUnknownMethod(t *testing.T) {
	h := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("node should not be reached for a rejected method")
	})

	rec := httptest.NewRecorder()
	body := `{"method":"sendTransaction","params":{}}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unsupported") {
		t.Errorf("body should name the rejection, got %s", rec.Body)
	}
}

func TestRelay_MissingAddress(t *testing.T) {
	h := newRelayServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("node should not be reached without params")
	})

	rec := httptest.NewRecorder()
	body := `{"method":"getBalance","params":{}}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rpc", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := New(Deps{}, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status field = %v, want ok", payload["status"])
	}
}

func TestPriceSource_EstimatorFallback(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("mint") {
		case "direct":
			w.Write([]byte(`{"price":1.25}`))
		case "curve":
			w.Write([]byte(`{"price":0,"virtualSolReserves":30,"virtualTokenReserves":1000000}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer up.Close()

	logger := testLogger()
	client := upstream.NewClient(up.URL, "", upstream.WithRetries(0, time.Millisecond))
	c := cache.New[stream.PricePoint](cache.Config{}, logger)
	lim := ratelimit.New(ratelimit.Config{RatePerSecond: 1000, MaxBurst: 1000}, logger)
	mgr, err := coalesce.New(coalesce.Config{}, c, lim, logger)
	if err != nil {
		t.Fatalf("coalesce.New failed: %v", err)
	}

	route, _ := upstream.NewRegistry(upstream.DefaultRoutes())
	priceRoute, _ := route.Resolve("price")
	src := NewPriceSource(client, mgr, estimator.ConstantProduct{}, priceRoute, []string{"direct", "curve"}, logger)

	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := snap["direct"].Price; got != 1.25 {
		t.Errorf("direct price = %v, want 1.25", got)
	}
	if got := snap["curve"].Price; got != 30.0/1000000 {
		t.Errorf("curve price = %v, want %v", got, 30.0/1000000)
	}
}

func TestPriceSource_PartialFailure(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mint") == "good" {
			w.Write([]byte(`{"price":2}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer up.Close()

	logger := testLogger()
	client := upstream.NewClient(up.URL, "", upstream.WithRetries(0, time.Millisecond))
	c := cache.New[stream.PricePoint](cache.Config{}, logger)
	lim := ratelimit.New(ratelimit.Config{RatePerSecond: 1000, MaxBurst: 1000}, logger)
	mgr, err := coalesce.New(coalesce.Config{}, c, lim, logger)
	if err != nil {
		t.Fatalf("coalesce.New failed: %v", err)
	}

	routes, _ := upstream.NewRegistry(upstream.DefaultRoutes())
	priceRoute, _ := routes.Resolve("price")
	src := NewPriceSource(client, mgr, nil, priceRoute, []string{"good", "bad"}, logger)

	snap, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}
	if got := snap["good"].Price; got != 2 {
		t.Errorf("good price = %v, want 2", got)
	}
}
