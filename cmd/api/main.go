// Package main is the entry point for the tally API server.
//
// The server exposes the HTTP/JSON ledger API together with /health, /ready
// and /metrics. Configuration is via environment variables (12-factor app
// pattern), with an optional .env file for local development.
//
// Lifecycle:
// 1. Load configuration from env
// 2. Connect the store and the cache, build the engines
// 3. Warm the balance cache and start the periodic sweep
// 4. Serve HTTP until SIGINT/SIGTERM
// 5. Drain connections and close resources
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelpejol/tally/internal/app"
	"github.com/kelpejol/tally/internal/config"
	"github.com/kelpejol/tally/internal/logging"
)

func main() {
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel, cfg.Environment, "tally-api")
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Str("cache", cfg.CacheDriver).
		Msg("starting tally api server")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	if err != nil {
		initCancel()
		logger.Fatal().Err(err).Msg("failed to initialize")
	}

	// A cold cache only costs latency, so a failed warm-up is not fatal.
	if n, err := a.Syncer.WarmBalances(initCtx); err != nil {
		logger.Warn().Err(err).Int("warmed", n).Msg("balance cache warm-up failed")
	}
	initCancel()

	a.Syncer.StartPeriodicSweep(cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	if err := a.Close(); err != nil {
		logger.Error().Err(err).Msg("resource cleanup failed")
	}
	logger.Info().Msg("shutdown complete")
}
