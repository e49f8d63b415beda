package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/eldtechnologies/kalenda/internal/app"
	"github.com/eldtechnologies/kalenda/internal/config"
)

// The worker consumes queued jobs for deployments that run the server with
// EMBEDDED_WORKER=false.
func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	logger.Info().
		Str("queue", cfg.QueueName).
		Strs("jobs", a.Registry.Names()).
		Msg("starting kalenda worker")

	if err := a.NewWorker().Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
}
