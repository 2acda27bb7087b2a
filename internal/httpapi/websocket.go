package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/imld/daemon/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventStream upgrades to a WebSocket and forwards every event bus
// message matching the requested topic pattern (default "#", everything)
// until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = "#"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	out := make(chan *eventbus.UniversalEvent, 64)
	unsubscribe, err := s.Bus.Subscribe(pattern, func(_ context.Context, evt *eventbus.UniversalEvent) {
		select {
		case out <- evt:
		default:
		}
	})
	if err != nil {
		s.Logger.Warn("websocket subscribe failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer unsubscribe()

	// A read goroutine exists solely to detect the client closing the
	// connection; this channel never receives client-sent frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case evt := <-out:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
