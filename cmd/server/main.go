// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/sonarchy/gamesync/internal/auth"
	"github.com/sonarchy/gamesync/internal/database"
	"github.com/sonarchy/gamesync/internal/handlers"
	"github.com/sonarchy/gamesync/internal/middleware"
	"github.com/sonarchy/gamesync/internal/notify"
)

func main() {
	auth.Init()
	database.ConnectDB()
	if err := notify.ConnectRedis(); err != nil {
		log.Fatalf("redis connect error: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	mux := http.NewServeMux()

	// session endpoints
	mux.Handle("/session/create", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.CreateSessionHandler,
	)))
	mux.Handle("/session/join", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.JoinSessionHandler,
	)))
	mux.Handle("/session/phase", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.PhaseHandler,
	)))
	mux.Handle("/session/players", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.PlayersHandler,
	)))

	// gameplay write endpoints (designated writers only)
	mux.Handle("/session/transition", middleware.LogMiddleware(logger)(
		handlers.TransitionHandler(logger),
	))
	mux.Handle("/session/timer/start", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.StartTimerHandler,
	)))
	mux.Handle("/session/category", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.SetCategoryHandler,
	)))
	mux.Handle("/session/song/lock", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.LockSongHandler,
	)))
	mux.Handle("/session/song/next", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.NextSongHandler,
	)))

	// phase sync websocket
	mux.Handle("/sync/ws/", middleware.LogMiddleware(logger)(
		handlers.SyncWSHandler(logger),
	))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
