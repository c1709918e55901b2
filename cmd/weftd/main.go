// Command weftd is the agent host daemon. It runs vendor coding-agent
// adapters, persists the authoritative event log, fans envelopes out over
// Redis pub/sub to the WebSocket hub, and serves the saved-run-state API.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/adapter"
	"github.com/gosuda/weft/internal/agent"
	"github.com/gosuda/weft/internal/config"
	"github.com/gosuda/weft/internal/server"
	"github.com/gosuda/weft/internal/store/postgres"
	redisstore "github.com/gosuda/weft/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("WEFT_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("WEFT_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL and ensure the schema exists.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// Connect to Redis.
	pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	// Register vendor adapters.
	registry := adapter.NewRegistry()
	if err := registry.Register(adapter.Registration{
		ID:          "claude",
		Name:        "Claude Code",
		Description: "claude CLI with stream-json output",
		Factory:     adapter.NewClaudeAdapter,
	}); err != nil {
		return err
	}
	if err := registry.Register(adapter.Registration{
		ID:          "codex",
		Name:        "Codex",
		Description: "codex exec with JSON event output",
		Factory:     adapter.NewCodexAdapter,
	}); err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create the adapter host and start listening for control frames.
	host := agent.NewHost(registry, store.Events(), store.RunStates(), pubsub)
	go func() {
		if listenErr := host.ListenControl(ctx, pubsub); listenErr != nil && !errors.Is(listenErr, context.Canceled) {
			log.Error().Err(listenErr).Msg("control listener stopped")
		}
	}()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, store, pubsub, registry)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	host.Shutdown(shutdownCtx)

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
