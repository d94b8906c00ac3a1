package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"game-session-backend/config"
	"game-session-backend/events"
	"game-session-backend/health"
	"game-session-backend/matchmaker"
	"game-session-backend/metrics"
	"game-session-backend/provision"
	"game-session-backend/queue"
	"game-session-backend/session"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

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
	log.Info().Msgf("Starting game-session-backend version: %s", version)
	// Load config
	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable session store is required; without it nothing works.
	store, err := session.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate session store")
	}

	// The shared queue and session index are best-effort: every request that
	// fails against Redis falls back to the in-process queue or the durable
	// store, and retries Redis on the next request. The startup ping is
	// informational only; a Redis blip at boot must not pin the process into
	// degraded mode until a restart.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup; joins use the local queue until it recovers")
	}
	shared := queue.NewRedisStore(rdb)
	index := session.NewRedisIndex(rdb)

	clientset, err := provision.NewClientset()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build kubernetes client")
	}
	prov := provision.New(clientset, provision.Options{
		Namespace:           cfg.Namespace,
		Image:               cfg.GameServerImage,
		ContainerPort:       cfg.GameServerPort,
		ConnectHostOverride: cfg.ConnectHostOverride,
	})

	var pub events.Publisher
	if cfg.EventsEnabled() {
		log.Info().Str("topic", cfg.EventsTopic).Msg("session lifecycle events enabled")
		pub = events.NewPubsubPublisher(cfg.EventsProjectID, cfg.EventsTopic, cfg.CredentialsFile)
	}

	mm := matchmaker.New(matchmaker.Policy{
		FullSize:   cfg.FullSessionSize,
		MinPartial: cfg.MinPartialSize,
		FlushWait:  cfg.FlushWait,
	}, shared, store, index, prov, pub, cfg.BackendInstance)

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, store)
	mm.Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
