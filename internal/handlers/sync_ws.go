// internal/handlers/sync_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sonarchy/gamesync/internal/database"
	"github.com/sonarchy/gamesync/internal/notify"
	"github.com/sonarchy/gamesync/internal/phase"
	syncengine "github.com/sonarchy/gamesync/internal/sync"
)

// query params that configure the engine rather than ride along as redirect
// params.
var reservedSyncParams = map[string]bool{
	"expected": true,
	"round":    true,
	"disabled": true,
}

// SyncWSHandler attaches one reconciliation engine to each connected
// screen. The screen declares what it expects via query params
// (?expected=ranking,playback&round=2&owner=...); the engine pushes
// phase_update snapshots and, when the screen must move, a navigate
// message with the destination URL. Closing the socket tears the engine
// down.
func SyncWSHandler(logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimPrefix(r.URL.Path, "/sync/ws/")
		if code == "" || strings.Contains(code, "/") {
			http.Error(w, "missing join code", http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		var expected []phase.Phase
		for _, raw := range strings.Split(q.Get("expected"), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			p, err := phase.Parse(raw)
			if err != nil {
				http.Error(w, "unknown expected phase", http.StatusBadRequest)
				return
			}
			expected = append(expected, p)
		}
		round, _ := strconv.Atoi(q.Get("round"))
		disabled := q.Get("disabled") == "true"

		redirectParams := map[string]string{}
		for k, vs := range q {
			if !reservedSyncParams[k] && len(vs) > 0 {
				redirectParams[k] = vs[0]
			}
		}

		s, err := database.GetSessionByCode(r.Context(), code)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"phasesync"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "phasesync" {
			c.Close(websocket.StatusPolicyViolation, "client must speak the phasesync subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan map[string]interface{}, 16)

		engine := syncengine.New(
			syncengine.PhaseReaderFunc(database.GetPhaseState),
			notify.RedisSubscriber{},
			syncengine.NavigatorFunc(func(url string) {
				select {
				case out <- map[string]interface{}{"type": "navigate", "url": url}:
				default:
					logger.Warnf("sync ws %s: outbound buffer full, dropping navigate", code)
				}
			}),
			logger,
			syncengine.Options{
				Code:           code,
				SessionID:      s.ID,
				ExpectedPhases: expected,
				ExpectedRound:  round,
				RedirectParams: redirectParams,
				Disabled:       disabled,
			},
		)
		engine.OnState = func(st phase.State) {
			select {
			case out <- map[string]interface{}{
				"type":          "phase_update",
				"current_phase": st.Phase,
				"current_round": st.Round,
			}:
			default:
			}
		}

		engine.Start(ctx)
		defer engine.Close()

		logger.WithFields(logrus.Fields{
			"code":   code,
			"remote": r.RemoteAddr,
			"round":  round,
		}).Info("phase sync client connected")

		go syncWritePump(ctx, c, out, logger)

		// Drain the client until it goes away; inbound frames are ignored
		// except as liveness.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				closeStatus := websocket.CloseStatus(err)
				if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
					logger.Infof("phase sync client for %s closed normally", code)
				} else if !strings.Contains(err.Error(), "context canceled") {
					logger.Warnf("phase sync read error for %s: %v", code, err)
				}
				return
			}
		}
	}
}

func syncWritePump(ctx context.Context, c *websocket.Conn, out <-chan map[string]interface{}, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("failed to marshal sync message: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("failed to write sync message: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("sync ping failed, assuming disconnect: %v", err)
				return
			}
		}
	}
}
