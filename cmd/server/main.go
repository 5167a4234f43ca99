package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/config"
	"github.com/websoft9/connhub/internal/events"
	"github.com/websoft9/connhub/internal/server"
	"github.com/websoft9/connhub/internal/server/handlers"
	"github.com/websoft9/connhub/internal/worker"
	"github.com/websoft9/connhub/internal/workspace"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Msg("Starting connhub server")

	// Without a terminal there is no prompter; passwords must come from
	// the credential store.
	ws, closeWorkspace, err := workspace.Open(context.Background(), cfg, nil, "api")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open workspace")
	}

	var (
		w     *worker.Worker
		queue handlers.Enqueuer
	)
	if cfg.JobBackend == config.JobBackendAsynq {
		w = worker.New(cfg.RedisAddr, worker.NewHandlers(ws, ws.Coordinator()))
		w.Start()
		queue = w
		log.Info().Str("redis", cfg.RedisAddr).Msg("Asynq worker started")
	}

	// Create server
	srv, err := server.New(server.Options{
		Config:    cfg,
		Workspace: ws,
		Hub:       events.NewHub(0),
		Queue:     queue,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")

		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if w != nil {
		w.Shutdown()
	}
	if err := closeWorkspace(ctx); err != nil {
		log.Error().Err(err).Msg("Disconnect on shutdown failed")
	}

	log.Info().Msg("Server exited")
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
