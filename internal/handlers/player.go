// internal/handlers/player.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sonarchy/gamesync/internal/auth"
	"github.com/sonarchy/gamesync/internal/database"
)

const playerCookieName = "player_token"

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// EnsurePlayer resolves the caller's player identity from the player_token
// cookie, minting an ephemeral player (and cookie) when none exists or the
// token fails verification. Every entry point goes through this, so a fresh
// browser can join a game with no signup step.
func EnsurePlayer(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	cookieHeader := r.Header.Get("Cookie")
	if strings.Contains(cookieHeader, playerCookieName+"=") {
		token := extractCookieToken(cookieHeader, playerCookieName)
		playerIDStr, err := auth.AuthenticateJWT(token)
		if err == nil {
			playerID, parseErr := uuid.Parse(playerIDStr)
			if parseErr != nil {
				return uuid.Nil, fmt.Errorf("invalid player id in token: %w", parseErr)
			}
			return playerID, nil
		}
		// fall through: bad token gets replaced with a fresh identity
	}

	p, err := database.CreateEphemeralPlayer(context.Background(), "Guest")
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create ephemeral player: %w", err)
	}
	newToken, err := auth.CreatePlayerJWT(p.ID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create player JWT: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    newToken,
		HttpOnly: true,
		Path:     "/",
	})
	return p.ID, nil
}

// requirePlayer is the strict form: the caller must already carry a valid
// token. Used by write endpoints where silently minting a new identity
// would defeat the role checks.
func requirePlayer(r *http.Request) (uuid.UUID, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), playerCookieName)
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing %s cookie", playerCookieName)
	}
	playerIDStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(playerIDStr)
}
