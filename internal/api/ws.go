package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
	// The API has no browser-origin auth story; same-host tooling and
	// reverse proxies are the expected clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleProgressStream upgrades to a WebSocket and relays the
// session's progress updates as JSON messages. The stream ends with
// the terminal sentinel update, after which the server closes the
// connection.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, err := s.engine.SubscribeProgress(id)
	if err != nil {
		s.engineError(w, err)
		return
	}
	defer s.engine.UnsubscribeProgress(id, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine notices client disconnects; nothing inbound is
	// expected.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				s.logger.Debug("websocket write failed", "session_id", id, "error", err)
				return
			}
			if u.Final {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, u.Status))
				return
			}
		}
	}
}
