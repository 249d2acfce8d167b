package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleRoot returns a service descriptor so probes hitting the bare host
// get something meaningful.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "msg-gateway",
		"endpoints": []string{
			"GET /health",
			"GET /status",
			"GET /ws",
		},
	})
}

// handleHealth reports liveness and coarse session counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, initializing := s.manager.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"sessions": map[string]int{
			"active":       active,
			"initializing": initializing,
		},
	})
}

type statusSession struct {
	ID           string `json:"id"`
	HasClient    bool   `json:"hasClient"`
	HasConn      bool   `json:"hasConnection"`
	LastActivity string `json:"lastActivity"`
}

// handleStatus returns a per-session view for operators.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summaries := s.manager.Summaries()
	sessions := make([]statusSession, 0, len(summaries))
	for _, sum := range summaries {
		sessions = append(sessions, statusSession{
			ID:           sum.ID,
			HasClient:    sum.HasClient,
			HasConn:      sum.HasConnection,
			LastActivity: sum.LastActivity.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}
