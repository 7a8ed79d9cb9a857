package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler serves the broadcast feed as a text/event-stream
// connection. Clients send nothing after connect; disconnect arrives
// through the request context.
func SSEHandler(hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := hub.Subscribe()
		defer sub.Close()

		keepAlive := time.NewTicker(hub.KeepAliveInterval())
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return

			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				payload, err := json.Marshal(msg)
				if err != nil {
					logger.Error("marshal stream message", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()

			case <-keepAlive.C:
				// Comment-only line keeps proxies from timing out the
				// transport without emitting a data frame.
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
