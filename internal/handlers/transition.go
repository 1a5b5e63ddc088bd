// internal/handlers/transition.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sonarchy/gamesync/internal/database"
	"github.com/sonarchy/gamesync/internal/models"
	"github.com/sonarchy/gamesync/internal/phase"
)

type transitionRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	To        string    `json:"to"`
}

// designatedWriterFor returns which player is allowed to issue a given
// transition. The storage layer doesn't enforce this; the role check here
// is the whole mechanism keeping two clients from racing the same write.
// The song owner finishes their own playback; the host drives everything
// else (lobby start, round structure, next-song advance).
func designatedWriterFor(s *models.GameSession, to phase.Phase) uuid.UUID {
	if s.CurrentPhase == phase.Playback && to == phase.Ranking {
		if s.CurrentSongPlayerID != uuid.Nil {
			return s.CurrentSongPlayerID
		}
	}
	return s.HostID
}

// TransitionHandler is the write interface: advance the session's phase.
// Only the designated writer for the requested edge may call it, and the
// write itself is compare-and-swap so a lost race fails loudly instead of
// double-transitioning.
func TransitionHandler(logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}

		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
			http.Error(w, "bad transition payload", http.StatusBadRequest)
			return
		}
		target, err := phase.Parse(req.To)
		if err != nil {
			http.Error(w, "unknown phase", http.StatusBadRequest)
			return
		}

		s, err := database.GetSessionByID(r.Context(), req.SessionID)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		if writer := designatedWriterFor(s, target); writer != playerID {
			logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"player_id":  playerID,
				"writer":     writer,
				"from":       s.CurrentPhase,
				"to":         target,
			}).Warn("transition attempted by non-designated writer")
			http.Error(w, "not the designated writer for this transition", http.StatusForbidden)
			return
		}

		err = database.TransitionPhaseCAS(r.Context(), s.ID, s.CurrentPhase, target)
		if errors.Is(err, database.ErrPhaseConflict) {
			// Someone beat us to it. The caller's own sync engine will pull
			// them to wherever the session actually is.
			http.Error(w, "phase changed since read", http.StatusConflict)
			return
		}
		if err != nil {
			logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"from":       s.CurrentPhase,
				"to":         target,
				"error":      err,
			}).Error("phase transition failed")
			http.Error(w, "transition rejected", http.StatusBadRequest)
			return
		}

		// A round cycle clears last round's picks so song selection starts
		// fresh.
		if phase.RoundAdvances(s.CurrentPhase, target) {
			if err := database.ResetRoundPicks(r.Context(), s.ID); err != nil {
				logger.WithField("session_id", s.ID).Warnf("failed to reset round picks: %v", err)
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type startTimerRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Seconds   int       `json:"seconds"`
}

// StartTimerHandler starts the shared countdown. Host only.
func StartTimerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	playerID, err := requirePlayer(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req startTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
		http.Error(w, "bad timer payload", http.StatusBadRequest)
		return
	}

	s, err := database.GetSessionByID(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if s.HostID != playerID {
		http.Error(w, "only the host can start the timer", http.StatusForbidden)
		return
	}
	if err := database.StartTimer(r.Context(), s.ID, req.Seconds); err != nil {
		http.Error(w, "failed to start timer", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockSongRequest struct {
	SessionID  uuid.UUID `json:"session_id"`
	SongTitle  string    `json:"song_title"`
	SongArtist string    `json:"song_artist"`
	SongURI    string    `json:"song_uri"`
	AlbumCover string    `json:"album_cover"`
}

// LockSongHandler records the caller's song pick for the round.
func LockSongHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	playerID, err := requirePlayer(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req lockSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil || req.SongTitle == "" {
		http.Error(w, "bad song payload", http.StatusBadRequest)
		return
	}
	err = database.SetPlayerSong(r.Context(), req.SessionID, playerID,
		req.SongTitle, req.SongArtist, req.SongURI, req.AlbumCover)
	if err != nil {
		http.Error(w, "failed to save song", http.StatusInternalServerError)
		return
	}

	locked, total, err := database.CountLockedIn(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, "failed to count picks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"locked_in": locked, "total": total})
}

type nextSongRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// NextSongHandler picks the next unplayed song for the round and records
// its owner as the current song player. Host only. Responds with the chosen
// player id, or uuid.Nil when every song has played and the host should
// transition to final_placements instead.
func NextSongHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	playerID, err := requirePlayer(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req nextSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	s, err := database.GetSessionByID(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if s.HostID != playerID {
		http.Error(w, "only the host can advance songs", http.StatusForbidden)
		return
	}

	next, err := database.NextUnplayedSong(r.Context(), s.ID)
	if err != nil {
		http.Error(w, "failed to pick next song", http.StatusInternalServerError)
		return
	}
	if next != uuid.Nil {
		if err := database.SetCurrentSongPlayer(r.Context(), s.ID, next); err != nil {
			http.Error(w, "failed to set song player", http.StatusInternalServerError)
			return
		}
		if err := database.MarkSongPlayed(r.Context(), s.ID, next); err != nil {
			http.Error(w, "failed to mark song played", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"player_id": next.String()})
}

type setCategoryRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Category  string    `json:"category"`
}

// SetCategoryHandler records the round's category prompt.
func SetCategoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := requirePlayer(r); err != nil {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req setCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == uuid.Nil || req.Category == "" {
		http.Error(w, "bad category payload", http.StatusBadRequest)
		return
	}
	if err := database.SetCategory(r.Context(), req.SessionID, req.Category); err != nil {
		http.Error(w, "failed to set category", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
