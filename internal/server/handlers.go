package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// ServeWS upgrades the request to a WebSocket connection and registers the
// resulting client with the hub, which starts its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws.upgrade.failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close()
	}
}

// HealthHandler reports that the process is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "roomchat server is running!")
}

// ReadyHandler reports 200 while the hub accepts connections and 503 once it
// is shutting down.
func (h *Hub) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !h.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "not ready")
		return
	}
	_, _ = fmt.Fprint(w, "ready")
}

// PresenceSnapshot is the body of GET /api/presence.
type PresenceSnapshot struct {
	Connections int                    `json:"connections"`
	Users       []string               `json:"users"`
	Rooms       []protocol.RoomSummary `json:"rooms"`
}

// PresenceHandler serves the global presence view as JSON.
func PresenceHandler(manager *presence.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		lists := manager.Lists()
		snapshot := PresenceSnapshot{
			Connections: manager.ConnectionCount(),
			Users:       lists.Users,
			Rooms:       lists.Rooms,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			http.Error(w, "encode presence", http.StatusInternalServerError)
		}
	}
}
