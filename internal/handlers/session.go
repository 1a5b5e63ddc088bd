// internal/handlers/session.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sonarchy/gamesync/internal/database"
)

// CreateSessionHandler creates a new game session with the caller as host.
// The session starts at (lobby, round 1).
func CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hostID, err := EnsurePlayer(w, r)
	if err != nil {
		http.Error(w, "could not establish player identity", http.StatusInternalServerError)
		return
	}

	s, err := database.CreateGameSession(r.Context(), hostID)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if err := database.AddSessionPlayer(r.Context(), s.ID, hostID); err != nil {
		http.Error(w, "failed to register host", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

type joinSessionRequest struct {
	Code string `json:"code"`
}

// JoinSessionHandler adds the caller to the session identified by its join
// code. Joining twice is harmless.
func JoinSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	playerID, err := EnsurePlayer(w, r)
	if err != nil {
		http.Error(w, "could not establish player identity", http.StatusInternalServerError)
		return
	}

	var req joinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "missing join code", http.StatusBadRequest)
		return
	}

	s, err := database.GetSessionByCode(r.Context(), strings.ToUpper(strings.TrimSpace(req.Code)))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := database.AddSessionPlayer(r.Context(), s.ID, playerID); err != nil {
		http.Error(w, "failed to join session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

// PhaseHandler is the authoritative point read: the (current_phase,
// current_round) pair for a join code. Screens hit this on mount before
// their subscription settles.
func PhaseHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	st, err := database.GetPhaseState(r.Context(), code)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// PlayersHandler lists the per-session player rows (song picks, lock-in
// state) for the waiting screens.
func PlayersHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	s, err := database.GetSessionByCode(r.Context(), code)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	players, err := database.ListSessionPlayers(r.Context(), s.ID)
	if err != nil {
		http.Error(w, "failed to list players", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(players)
}
