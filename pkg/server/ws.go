package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/fishbowl-sh/fishbowl/pkg/types"
)

// wsCommand is a client-to-server frame. approve and deny carry the same
// options as the HTTP endpoints.
type wsCommand struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	AlwaysAllow bool   `json:"alwaysAllow,omitempty"`
	AlwaysDeny  bool   `json:"alwaysDeny,omitempty"`
}

// handleWebSocket is GET /ws. Pushes the init snapshot, registers with the
// hub, then serves client commands until the connection drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()

	init, err := json.Marshal(map[string]any{
		"pending": s.queue.Pending(),
		"config":  s.cfg.Get(),
		"rules":   s.cfg.Rules(),
	})
	if err != nil {
		s.log.Error("init snapshot marshal failed", "error", err)
		return
	}
	frame, _ := json.Marshal(wsMessage{Type: "init", Data: init})
	if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
		return
	}

	s.hub.add(c)
	defer s.hub.remove(c)
	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Debug("websocket command unparseable", "error", err)
			continue
		}

		switch cmd.Type {
		case "approve":
			if _, conflict := s.approve(cmd.ID, types.ResolvedByWeb, cmd.AlwaysAllow); conflict != "" {
				s.log.Info("websocket approve conflicted", "id", cmd.ID, "error", conflict)
			}
		case "deny":
			s.deny(cmd.ID, types.ResolvedByWeb, cmd.AlwaysDeny)
		default:
			s.log.Debug("websocket command ignored", "type", cmd.Type)
		}
	}
}
