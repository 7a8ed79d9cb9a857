package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only and carries no credentials; any origin may
	// subscribe, same as the SSE endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler serves the broadcast feed over a WebSocket connection.
// Data frames are identical to the SSE payloads; keep-alive uses ping
// control frames instead of comment lines.
func WSHandler(hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := hub.Subscribe()
		defer sub.Close()

		// Drain client frames so close and pong handling work; the
		// protocol has no client-to-server messages after connect.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		keepAlive := time.NewTicker(hub.KeepAliveInterval())
		defer keepAlive.Stop()

		for {
			select {
			case <-readDone:
				return

			case <-r.Context().Done():
				return

			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}

			case <-keepAlive.C:
				deadline := time.Now().Add(wsWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	})
}
