// Package server wires the HTTP entry points over the broker components.
//
// Routes:
//   - /api/stream   SSE broadcast feed
//   - /ws/stream    WebSocket broadcast feed
//   - /api/proxy    logical-endpoint proxy with a short GET micro-cache
//   - /api/rpc      whitelisted node RPC relay
//   - /healthz      pool health, cache, and subscriber summary
//   - /debug/vars   expvar metrics
package server
