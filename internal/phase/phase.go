// internal/phase/phase.go
//
// The canonical game lifecycle. Every connected screen navigates off the
// (phase, round) pair stored on the shared games row; this package holds
// the closed phase set, its forward ordering, and the phase-to-route map.
package phase

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Phase is one named step in the game lifecycle. The set is closed:
// anything not listed here is rejected by Parse and never written to the
// database.
type Phase string

const (
	Lobby             Phase = "lobby"
	CategorySelection Phase = "category_selection"
	SongSelection     Phase = "song_selection"
	PlayersLockedIn   Phase = "players_locked_in"
	Playback          Phase = "playback"
	Ranking           Phase = "ranking"
	FinalPlacements   Phase = "final_placements"
	GameComplete      Phase = "game_complete"
)

// order is the canonical forward sequence. Index comparison decides
// behind/ahead; equality decisions always go through the expected-phase
// set instead (round-aware logic lives in the sync package).
var order = []Phase{
	Lobby,
	CategorySelection,
	SongSelection,
	PlayersLockedIn,
	Playback,
	Ranking,
	FinalPlacements,
	GameComplete,
}

// routes maps each phase to its screen path. Must stay exhaustive over the
// enum; DestinationFor fails closed if it isn't.
var routes = map[Phase]string{
	Lobby:             "/game-starting",
	CategorySelection: "/select-category",
	SongSelection:     "/pick-your-song",
	PlayersLockedIn:   "/players-locked-in",
	Playback:          "/playtime-playback",
	Ranking:           "/leaderboard",
	FinalPlacements:   "/final-placements",
	GameComplete:      "/final-results",
}

// transitions holds the legal forward edges. Ranking can loop back to
// playback (next song), and final_placements can cycle to
// category_selection (next round).
var transitions = map[Phase][]Phase{
	Lobby:             {CategorySelection},
	CategorySelection: {SongSelection},
	SongSelection:     {PlayersLockedIn},
	PlayersLockedIn:   {Playback},
	Playback:          {Ranking},
	Ranking:           {Playback, FinalPlacements},
	FinalPlacements:   {CategorySelection, GameComplete},
	GameComplete:      {},
}

// State is the authoritative (phase, round) pair read from or pushed for a
// game session. Consumers must treat it as a full snapshot, never a delta.
type State struct {
	Phase Phase `json:"current_phase"`
	Round int   `json:"current_round"`
}

// Parse validates a raw string against the closed phase set.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if Order(p) < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Valid reports whether p is a member of the closed set.
func Valid(p Phase) bool {
	return Order(p) >= 0
}

// Order returns p's index in the canonical forward sequence, or -1 if p is
// not a known phase.
func Order(p Phase) int {
	for i, q := range order {
		if q == p {
			return i
		}
	}
	return -1
}

// Terminal reports whether p has no outgoing transitions.
func Terminal(p Phase) bool {
	return len(transitions[p]) == 0
}

// ValidTransition reports whether from -> to is a legal edge. A same-phase
// transition is always allowed (harmless no-op for duplicate writers).
func ValidTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RoundAdvances reports whether the from -> to edge begins a new round.
// The round counter only moves when the phase cycles back to
// category_selection off the end of a completed round.
func RoundAdvances(from, to Phase) bool {
	return from == FinalPlacements && to == CategorySelection
}

// DestinationFor builds the screen URL for a phase. The join code is always
// present; extra params (song owner, round, etc.) are threaded through, and
// a timestamp is appended so repeated navigations to the same path are not
// coalesced by the client. Returns an error for phases missing from the
// route table so callers never navigate to an undefined destination.
func DestinationFor(p Phase, code string, extra map[string]string) (string, error) {
	path, ok := routes[p]
	if !ok {
		return "", fmt.Errorf("no destination mapped for phase %q", p)
	}

	params := url.Values{}
	for k, v := range extra {
		params.Set(k, v)
	}
	// The join code and timestamp always win over extra params.
	params.Set("code", code)
	params.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 10))

	return path + "?" + params.Encode(), nil
}

// All returns the canonical forward sequence. Callers must not mutate it.
func All() []Phase {
	return order
}
