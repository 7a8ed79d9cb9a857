package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelgr/dexrelay/internal/coalesce"
	"github.com/pavelgr/dexrelay/internal/upstream"
)

const maxProxyBodyBytes = 1 << 20 // 1 MiB request body cap

// ProxiedResponse is the cacheable subset of an upstream response.
type ProxiedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// proxyHandler forwards requests for logical endpoints to the upstream
// API. Successful GETs pass through the coalescing micro-cache; POSTs
// always go straight through.
type proxyHandler struct {
	client *upstream.Client
	routes *upstream.Registry
	mgr    *coalesce.Manager[ProxiedResponse]
	logger *slog.Logger
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("endpoint")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing endpoint parameter",
			"known endpoints: "+strings.Join(h.routes.Names(), ", "))
		return
	}
	query.Del("endpoint")

	route, ok := h.routes.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown endpoint %q", name),
			"known endpoints: "+strings.Join(h.routes.Names(), ", "))
		return
	}

	// Without an API key only the public routes are reachable.
	if route.RequiresAuth && !h.client.Authenticated() {
		writeError(w, http.StatusUnauthorized, "endpoint requires credentials",
			fmt.Sprintf("%q needs an upstream api key and none is configured", name))
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.serveGet(w, r, route, query)
	case http.MethodPost:
		h.servePost(w, r, route, query)
	}
}

func (h *proxyHandler) serveGet(w http.ResponseWriter, r *http.Request, route upstream.Route, query url.Values) {
	key := proxyCacheKey(route.Name, query)

	resp, res, err := h.mgr.Get(r.Context(), key, route.CacheTTL, func(ctx context.Context) (ProxiedResponse, error) {
		upResp, err := h.client.Get(ctx, route.Path, query)
		if err != nil {
			return ProxiedResponse{}, err
		}
		return ProxiedResponse{
			StatusCode:  upResp.StatusCode,
			ContentType: upResp.Header.Get("Content-Type"),
			Body:        upResp.Body,
		}, nil
	})
	if err != nil {
		h.writeProxyError(w, route.Name, err)
		return
	}

	switch {
	case res.Stale:
		w.Header().Set("X-Cache", "STALE")
	case res.CacheHit:
		w.Header().Set("X-Cache", "HIT")
	default:
		w.Header().Set("X-Cache", "MISS")
	}
	writeProxied(w, resp)
}

func (h *proxyHandler) servePost(w http.ResponseWriter, r *http.Request, route upstream.Route, query url.Values) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body", err.Error())
		return
	}

	upResp, err := h.client.Post(r.Context(), route.Path, query, body)
	if err != nil {
		h.writeProxyError(w, route.Name, err)
		return
	}
	writeProxied(w, ProxiedResponse{
		StatusCode:  upResp.StatusCode,
		ContentType: upResp.Header.Get("Content-Type"),
		Body:        upResp.Body,
	})
}

// writeProxyError maps fetch failures onto client responses. Rate
// limiting surfaces as 429 with a Retry-After hint; upstream error
// statuses are forwarded as-is.
func (h *proxyHandler) writeProxyError(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, coalesce.ErrThrottled) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "endpoint throttled",
			fmt.Sprintf("too many requests for %q, retry shortly", endpoint))
		return
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			// A forwarded 429 always carries a retry hint, even when
			// the upstream omitted one.
			secs := 1
			if apiErr.RetryAfter > 0 {
				secs = max(int(apiErr.RetryAfter/time.Second), 1)
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, apiErr.StatusCode, "upstream error", apiErr.Message)
		return
	}

	h.logger.Error("proxy request failed", "endpoint", endpoint, "error", err)
	writeError(w, http.StatusBadGateway, "upstream unreachable", err.Error())
}

func writeProxied(w http.ResponseWriter, resp ProxiedResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// proxyCacheKey builds a deterministic key from the logical endpoint
// name and the remaining query parameters.
func proxyCacheKey(name string, query url.Values) string {
	if len(query) == 0 {
		return name
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		for _, v := range query[k] {
			sb.WriteByte(':')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}
