// internal/database/session.go
package database

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sonarchy/gamesync/internal/models"
	"github.com/sonarchy/gamesync/internal/notify"
	"github.com/sonarchy/gamesync/internal/phase"
)

// ErrPhaseConflict is returned by TransitionPhaseCAS when the row's phase no
// longer matches the expected previous phase, i.e. another writer got there
// first.
var ErrPhaseConflict = errors.New("phase changed since read")

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newJoinCode generates a 6-character join code. Ambiguous characters
// (0/O, 1/I) are excluded from the alphabet.
func newJoinCode() (string, error) {
	b := make([]byte, 6)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CreateGameSession inserts a fresh session row at (lobby, round 1) and
// returns it. Join-code collisions are retried a few times before giving up.
func CreateGameSession(ctx context.Context, hostID uuid.UUID) (*models.GameSession, error) {
	id, _ := uuid.NewV7()

	q := `
	INSERT INTO games (id, code, host_id, current_phase, current_round, category, timer_duration_sec, created_at)
	VALUES ($1, $2, $3, $4, 1, '', 0, NOW())
	`
	for attempt := 0; attempt < 5; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
			_, e := tx.Exec(ctx, q, id, code, hostID, phase.Lobby)
			return e
		})
		if err == nil {
			return GetSessionByID(ctx, id)
		}
		log.Printf("join code %s collided or insert failed, retrying: %v", code, err)
	}
	return nil, fmt.Errorf("could not allocate a unique join code")
}

const sessionColumns = `
	id, code, host_id, current_phase, current_round,
	category, current_song_player_id,
	timer_started_at, timer_duration_sec, created_at
`

func scanSession(row pgx.Row) (*models.GameSession, error) {
	var s models.GameSession
	var rawPhase string
	var songPlayer *uuid.UUID
	err := row.Scan(
		&s.ID,
		&s.Code,
		&s.HostID,
		&rawPhase,
		&s.CurrentRound,
		&s.Category,
		&songPlayer,
		&s.TimerStartedAt,
		&s.TimerDurationSec,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p, err := phase.Parse(rawPhase)
	if err != nil {
		return nil, fmt.Errorf("session %s has invalid phase: %w", s.ID, err)
	}
	s.CurrentPhase = p
	if songPlayer != nil {
		s.CurrentSongPlayerID = *songPlayer
	}
	return &s, nil
}

// GetSessionByID fetches a session row by primary key.
func GetSessionByID(ctx context.Context, id uuid.UUID) (*models.GameSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM games WHERE id = $1`
	return scanSession(DB.QueryRow(ctx, q, id))
}

// GetSessionByCode fetches a session row by its join code.
func GetSessionByCode(ctx context.Context, code string) (*models.GameSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM games WHERE code = $1`
	return scanSession(DB.QueryRow(ctx, q, code))
}

// GetPhaseState is the point read consumed by the sync engine: the
// authoritative (current_phase, current_round) pair in a single query.
func GetPhaseState(ctx context.Context, code string) (phase.State, error) {
	q := `SELECT current_phase, current_round FROM games WHERE code = $1`
	var rawPhase string
	var st phase.State
	if err := DB.QueryRow(ctx, q, code).Scan(&rawPhase, &st.Round); err != nil {
		return phase.State{}, fmt.Errorf("fetch phase for code %s: %w", code, err)
	}
	p, err := phase.Parse(rawPhase)
	if err != nil {
		return phase.State{}, err
	}
	st.Phase = p
	return st, nil
}

// TransitionPhase overwrites the session's phase. The requested edge is
// validated against the fetched current phase, and the round counter is
// bumped in the same UPDATE when the phase cycles back to
// category_selection. The write itself is last-write-wins: correctness
// depends on only the designated writer calling this for a given
// transition. Writing the phase the row already holds is a harmless no-op.
func TransitionPhase(ctx context.Context, sessionID uuid.UUID, target phase.Phase) error {
	if !phase.Valid(target) {
		return fmt.Errorf("refusing transition to unknown phase %q", target)
	}

	cur, err := GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch session %s before transition: %w", sessionID, err)
	}

	if cur.CurrentPhase == target {
		log.Printf("session %s already at phase %s, skipping update", sessionID, target)
		return nil
	}
	if !phase.ValidTransition(cur.CurrentPhase, target) {
		return fmt.Errorf("invalid transition %s -> %s for session %s", cur.CurrentPhase, target, sessionID)
	}

	newRound := cur.CurrentRound
	if phase.RoundAdvances(cur.CurrentPhase, target) {
		newRound++
	}

	q := `UPDATE games SET current_phase = $1, current_round = $2 WHERE id = $3`
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, target, newRound, sessionID)
		return e
	})
	if err != nil {
		return fmt.Errorf("update phase for session %s: %w", sessionID, err)
	}

	st := phase.State{Phase: target, Round: newRound}
	if err := notify.PublishPhaseChange(ctx, sessionID, st); err != nil {
		// Clients that miss the push converge on their next mount check.
		log.Printf("phase change for session %s written but publish failed: %v", sessionID, err)
	}
	return nil
}

// TransitionPhaseCAS is the compare-and-swap form of TransitionPhase: the
// UPDATE only applies while the row still holds the expected previous
// phase, so a losing concurrent writer gets ErrPhaseConflict instead of a
// silent double transition.
func TransitionPhaseCAS(ctx context.Context, sessionID uuid.UUID, from, to phase.Phase) error {
	if !phase.ValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for session %s", from, to, sessionID)
	}
	if from == to {
		return nil
	}

	cur, err := GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch session %s before transition: %w", sessionID, err)
	}
	if cur.CurrentPhase == to {
		// The designated writer's retry, or a duplicate; already done.
		return nil
	}

	newRound := cur.CurrentRound
	if phase.RoundAdvances(from, to) {
		newRound++
	}

	q := `
	UPDATE games SET current_phase = $1, current_round = $2
	WHERE id = $3 AND current_phase = $4
	`
	var tag int64
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		ct, e := tx.Exec(ctx, q, to, newRound, sessionID, from)
		if e != nil {
			return e
		}
		tag = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("cas phase for session %s: %w", sessionID, err)
	}
	if tag == 0 {
		return ErrPhaseConflict
	}

	st := phase.State{Phase: to, Round: newRound}
	if err := notify.PublishPhaseChange(ctx, sessionID, st); err != nil {
		log.Printf("phase change for session %s written but publish failed: %v", sessionID, err)
	}
	return nil
}

// SetCategory records the prompt the category picker chose for this round.
func SetCategory(ctx context.Context, sessionID uuid.UUID, category string) error {
	q := `UPDATE games SET category = $1 WHERE id = $2`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, category, sessionID)
		return e
	})
}

// SetCurrentSongPlayer records whose song plays next; that player becomes
// the designated writer for the playback -> ranking transition.
func SetCurrentSongPlayer(ctx context.Context, sessionID, playerID uuid.UUID) error {
	q := `UPDATE games SET current_song_player_id = $1 WHERE id = $2`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, playerID, sessionID)
		return e
	})
}

// StartTimer starts the shared countdown on the session row. Clients read
// the start timestamp and duration rather than running local timers, so
// every device shows the same clock.
func StartTimer(ctx context.Context, sessionID uuid.UUID, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("timer duration must be positive, got %d", seconds)
	}
	q := `UPDATE games SET timer_started_at = NOW(), timer_duration_sec = $1 WHERE id = $2`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, seconds, sessionID)
		return e
	})
}
