package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxMessageBytes = 64 << 10
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from this host, but the audience may reach
	// it through a tunnel or a different name, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleChatWS runs a chat session over a WebSocket. The client sends
// ChatRequest messages; each turn streams ChatEvent messages ending in
// a done or error event. Turns on one connection run one at a time and
// share a conversation unless the client names another.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageBytes)

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	sessionID := uuid.NewString()
	log := s.logger.With("ws_session", sessionID)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	send := func(ev ChatEvent) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug("websocket write failed", "error", err)
		}
	}

	ctx := r.Context()
	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				log.Info("websocket closed", "code", closeErr.Code)
			} else {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			send(ChatEvent{Type: EventError, Error: "message is required"})
			continue
		}
		if req.ConversationID == "" {
			req.ConversationID = sessionID
		}

		resp, err := s.runTurn(ctx, req, "ws", send)
		if err != nil {
			log.Error("agent loop failed", "error", err)
			send(ChatEvent{Type: EventError, Error: err.Error()})
			continue
		}
		send(ChatEvent{Type: EventDone, Response: resp})
	}
}
