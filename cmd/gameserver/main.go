package main

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-session-backend/gameserver"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setLogger()

	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = "standalone"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var players []string
	if raw := os.Getenv("PLAYERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &players); err != nil {
			log.Warn().Err(err).Str("players", raw).Msg("failed to parse PLAYERS")
		}
	}
	log.Info().Str("sessionId", sessionID).Strs("players", players).Str("port", port).Msg("starting game server")

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", port))
	if err != nil {
		log.Fatal().Err(err).Str("port", port).Msg("failed to listen")
	}

	srv := gameserver.New(sessionID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if err := srv.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("game server exited")
	}
	<-srv.Done()
	log.Info().Str("sessionId", sessionID).Msg("game server stopped")
}
