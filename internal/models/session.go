// internal/models/session.go
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sonarchy/gamesync/internal/phase"
)

// GameSession is the one shared mutable record per game instance. Clients
// never hold it; they observe (CurrentPhase, CurrentRound) through the sync
// engine and the designated writer advances it through the transition
// writer. Everything else on the row is gameplay bookkeeping written by the
// owning screen's handler.
type GameSession struct {
	ID           uuid.UUID   `json:"id"`
	Code         string      `json:"code"` // short human-entered join code, unique
	HostID       uuid.UUID   `json:"host_id"`
	CurrentPhase phase.Phase `json:"current_phase"`
	CurrentRound int         `json:"current_round"`

	// Round bookkeeping. Category is the prompt picked for this round;
	// CurrentSongPlayerID is whose song is playing (the playback->ranking
	// designated writer).
	Category            string    `json:"category,omitempty"`
	CurrentSongPlayerID uuid.UUID `json:"current_song_player_id,omitempty"`

	// Shared countdown, driven server-side so every device reads the same
	// clock.
	TimerStartedAt   *time.Time `json:"timer_started_at,omitempty"`
	TimerDurationSec int        `json:"timer_duration_sec,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Player is an ephemeral participant identity, created on first contact and
// referenced by session_players rows.
type Player struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar"`
	Color       string    `json:"color"`
	IsEphemeral bool      `json:"is_ephemeral"`
}

// SessionPlayer is a player's per-session state: their song pick for the
// current round and whether they've locked it in.
type SessionPlayer struct {
	SessionID  uuid.UUID `json:"session_id"`
	PlayerID   uuid.UUID `json:"player_id"`
	SongTitle  string    `json:"song_title,omitempty"`
	SongArtist string    `json:"song_artist,omitempty"`
	SongURI    string    `json:"song_uri,omitempty"`
	AlbumCover string    `json:"album_cover,omitempty"`
	LockedIn   bool      `json:"locked_in"`
	Played     bool      `json:"played"`
}
