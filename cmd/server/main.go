package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/kalenda/internal/api"
	"github.com/eldtechnologies/kalenda/internal/api/middleware"
	"github.com/eldtechnologies/kalenda/internal/app"
	"github.com/eldtechnologies/kalenda/internal/buffer"
	"github.com/eldtechnologies/kalenda/internal/config"
	"github.com/eldtechnologies/kalenda/internal/conversation"
	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/dispatch"
	"github.com/eldtechnologies/kalenda/internal/handlers"
	"github.com/eldtechnologies/kalenda/internal/store"
	"github.com/eldtechnologies/kalenda/internal/upstream"
)

func main() {
	// Load configuration
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

	sealer, err := a.Sealer()
	if err != nil {
		logger.Fatal().Err(err).Msg("store encryption setup failed")
	}
	secure := store.NewSecureStore(a.Redis, sealer, a.Policy(), a.Reporter, logger)
	sessions := store.NewSessions(secure, a.Reporter, logger)

	// Upstream collaborators
	var processor conversation.Processor = upstream.EchoProcessor{}
	var sender conversation.Sender = upstream.NewLogSender(logger)
	if cfg.ProcessorURL != "" || cfg.SendURL != "" {
		var key ed25519.PrivateKey
		if cfg.SigningKey != "" {
			k, err := crypto.ParsePrivateKey(cfg.SigningKey)
			if err != nil {
				logger.Fatal().Err(err).Msg("invalid SIGNING_KEY")
			}
			key = k
		}
		client := upstream.NewClient(cfg.UpstreamTimeout, key)
		if cfg.ProcessorURL != "" {
			processor = upstream.NewProcessor(client, cfg.ProcessorURL)
		}
		if cfg.SendURL != "" {
			sender = upstream.NewSender(client, cfg.SendURL)
		}
	}
	if cfg.ProcessorURL == "" {
		logger.Warn().Msg("PROCESSOR_URL not set, echoing messages back")
	}

	scheduler := buffer.New(cfg.DebounceWindow, logger, a.Reporter)
	dispatcher := dispatch.New(a.Queue, a.Claims, a.Registry, a.Reporter, logger)
	conv := conversation.NewService(scheduler, sessions, dispatcher, processor, sender, a.Reporter, logger)

	var operatorKey ed25519.PublicKey
	if cfg.OperatorPublicKey != "" {
		operatorKey, err = crypto.ParsePublicKey(cfg.OperatorPublicKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid OPERATOR_PUBLIC_KEY")
		}
	} else {
		logger.Warn().Msg("OPERATOR_PUBLIC_KEY not set, session and chat routes are disabled")
	}
	auth := middleware.NewOperatorAuth(operatorKey, a.Redis, logger)

	h := handlers.NewHandler(conv, a.Interactions, a.Redis, a.Queue)
	router := api.NewRouter(logger, h, a.Redis, middleware.RateLimiterConfig{
		Requests:  cfg.RateLimitRequests,
		Window:    cfg.RateLimitWindow,
		Whitelist: cfg.RateLimitWhitelist,
	}, auth)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // text+media messages are processed inline
		IdleTimeout:  60 * time.Second,
	}

	// Queue consumers outlive the HTTP server so batches flushed during
	// shutdown can still be recorded.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g := new(errgroup.Group)
	if cfg.EmbeddedWorker {
		worker := a.NewWorker()
		g.Go(func() error {
			return worker.Run(workerCtx)
		})
	}

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Dur("debounce", scheduler.Window()).
			Msg("starting kalenda server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			return err
		}
		return nil
	})

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Flush whatever is still waiting in the debounce window.
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("users", scheduler.Users()).Msg("pending batches not flushed")
	}

	stopWorker()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server failed")
	}

	logger.Info().Msg("server stopped")
}
