package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/skald-org/skald-agent/internal/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is same-host tooling, not a browser-facing product;
	// origin checks are left to a fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent is one websocket frame sent to the client.
type streamEvent struct {
	Type     string              `json:"type"` // "token", "done", "error"
	Token    string              `json:"token,omitempty"`
	Response *agent.TurnResponse `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// handleChatStream upgrades to a websocket, reads one TurnRequest,
// streams response tokens as they arrive, and closes with a final
// "done" (or "error") event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req agent.TurnRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(streamEvent{Type: "error", Error: "invalid request"})
		return
	}
	if req.Content == "" {
		_ = conn.WriteJSON(streamEvent{Type: "error", Error: "content is required"})
		return
	}

	req.Stream = func(token string) {
		if err := conn.WriteJSON(streamEvent{Type: "token", Token: token}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	resp, err := s.loop.Run(r.Context(), &req)
	if err != nil {
		s.logger.Error("streamed turn failed", "conversation", req.ConversationID, "error", err)
		_ = conn.WriteJSON(streamEvent{Type: "error", Error: err.Error()})
		return
	}
	_ = conn.WriteJSON(streamEvent{Type: "done", Response: resp})
}
