package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleStream handles GET /ws: every session event as one JSON text frame.
// The subscription is taken before the upgrade so nothing published after
// the handshake completes is missed.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	events, cancel := h.sess.Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("web: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	h.logger.Debug("web: stream client connected", "remote", r.RemoteAddr)
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("web: stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug("web: stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
