package matchmaker

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Register mounts the orchestrator HTTP surface consumed by the edge proxy.
func (m *Matchmaker) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /match/join", m.handleJoin)
	mux.HandleFunc("GET /match/status", m.handleStatus)
	mux.HandleFunc("POST /match/{session_id}/end", m.handleEnd)
	mux.HandleFunc("GET /sessions/active", m.handleActive)
	mux.HandleFunc("POST /cleanup/orphaned-servers", m.handleCleanup)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (m *Matchmaker) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	resp, err := m.Join(r.Context(), req.PlayerID)
	if err != nil {
		log.Error().Err(err).Str("playerId", req.PlayerID).Msg("api: join failed")
		writeError(w, http.StatusInternalServerError, "failed to join matchmaking")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Matchmaker) handleStatus(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	resp, err := m.Status(r.Context(), playerID)
	if err != nil {
		log.Error().Err(err).Str("playerId", playerID).Msg("api: status failed")
		writeError(w, http.StatusInternalServerError, "failed to resolve status")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Matchmaker) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	resp, err := m.End(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("api: end failed")
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Matchmaker) handleActive(w http.ResponseWriter, r *http.Request) {
	resp, err := m.Active(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: active sessions failed")
		writeError(w, http.StatusInternalServerError, "failed to list active sessions")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *Matchmaker) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := m.CleanupOrphans(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: orphan cleanup failed")
		writeError(w, http.StatusInternalServerError, "failed to clean up orphaned servers")
		return
	}
	writeJSON(w, http.StatusOK, &CleanupResponse{Cleaned: cleaned})
}
