// internal/database/player.go
package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sonarchy/gamesync/internal/models"
)

// CreateEphemeralPlayer inserts an anonymous player row. Name and avatar
// may be filled in later from profile setup.
func CreateEphemeralPlayer(ctx context.Context, name string) (*models.Player, error) {
	id, _ := uuid.NewV7()
	p := &models.Player{
		ID:          id,
		Name:        name,
		IsEphemeral: true,
	}
	q := `
	INSERT INTO players (id, name, avatar, color, is_ephemeral)
	VALUES ($1, $2, '', '', true)
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, p.ID, p.Name)
		return e
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlayerByID fetches a player row.
func GetPlayerByID(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	q := `SELECT id, name, avatar, color, is_ephemeral FROM players WHERE id = $1`
	var p models.Player
	err := DB.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.Avatar, &p.Color, &p.IsEphemeral)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddSessionPlayer registers a player in a session. Re-joining is treated
// as a no-op so a refreshed browser doesn't error out.
func AddSessionPlayer(ctx context.Context, sessionID, playerID uuid.UUID) error {
	q := `
	INSERT INTO session_players (session_id, player_id, song_title, song_artist, song_uri, album_cover, locked_in, played)
	VALUES ($1, $2, '', '', '', '', false, false)
	ON CONFLICT (session_id, player_id) DO NOTHING
	`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, sessionID, playerID)
		return e
	})
}

// ListSessionPlayers returns the per-session rows for every participant.
func ListSessionPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.SessionPlayer, error) {
	q := `
	SELECT session_id, player_id, song_title, song_artist, song_uri, album_cover, locked_in, played
	FROM session_players
	WHERE session_id = $1
	`
	rows, err := DB.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionPlayer
	for rows.Next() {
		var sp models.SessionPlayer
		if err := rows.Scan(
			&sp.SessionID,
			&sp.PlayerID,
			&sp.SongTitle,
			&sp.SongArtist,
			&sp.SongURI,
			&sp.AlbumCover,
			&sp.LockedIn,
			&sp.Played,
		); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SetPlayerSong stores a player's pick for the current round and marks them
// locked in.
func SetPlayerSong(ctx context.Context, sessionID, playerID uuid.UUID, title, artist, uri, albumCover string) error {
	q := `
	UPDATE session_players
	SET song_title = $1, song_artist = $2, song_uri = $3, album_cover = $4, locked_in = true
	WHERE session_id = $5 AND player_id = $6
	`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, title, artist, uri, albumCover, sessionID, playerID)
		return e
	})
}

// CountLockedIn returns (locked, total) so the song-selection screen's host
// knows when everyone has picked.
func CountLockedIn(ctx context.Context, sessionID uuid.UUID) (int, int, error) {
	q := `
	SELECT COUNT(*) FILTER (WHERE locked_in), COUNT(*)
	FROM session_players
	WHERE session_id = $1
	`
	var locked, total int
	if err := DB.QueryRow(ctx, q, sessionID).Scan(&locked, &total); err != nil {
		return 0, 0, err
	}
	return locked, total, nil
}

// MarkSongPlayed flags a player's song as having been through playback this
// round.
func MarkSongPlayed(ctx context.Context, sessionID, playerID uuid.UUID) error {
	q := `
	UPDATE session_players SET played = true
	WHERE session_id = $1 AND player_id = $2
	`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, sessionID, playerID)
		return e
	})
}

// ResetRoundPicks clears song picks and played flags when a new round
// begins.
func ResetRoundPicks(ctx context.Context, sessionID uuid.UUID) error {
	q := `
	UPDATE session_players
	SET song_title = '', song_artist = '', song_uri = '', album_cover = '',
	    locked_in = false, played = false
	WHERE session_id = $1
	`
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, sessionID)
		return e
	})
}

// NextUnplayedSong picks the next player whose song hasn't been played this
// round, or uuid.Nil when the round's playlist is exhausted.
func NextUnplayedSong(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	q := `
	SELECT player_id FROM session_players
	WHERE session_id = $1 AND locked_in AND NOT played
	ORDER BY random()
	LIMIT 1
	`
	var playerID uuid.UUID
	err := DB.QueryRow(ctx, q, sessionID).Scan(&playerID)
	if err == pgx.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return playerID, nil
}
