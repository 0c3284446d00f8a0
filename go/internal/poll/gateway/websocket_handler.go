package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for poll sessions
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleSessionConnection upgrades /ws?role=&session_id= into a live session.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	role := models.ParticipantRole(r.URL.Query().Get("role"))
	if !role.Valid() {
		http.Error(w, "role must be teacher or student", http.StatusBadRequest)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, role, sessionID); err != nil {
		log.Error().
			Err(err).
			Str("role", string(role)).
			Str("session_id", sessionID).
			Msg("failed to upgrade websocket connection")
		switch {
		case errors.Is(err, errUpgradeFailed):
			// the upgrader has already responded
		case errors.Is(err, poll.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "failed to open session", http.StatusInternalServerError)
		}
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}
