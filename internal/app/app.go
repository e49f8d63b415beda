// Package app builds the dependencies shared by the server and the worker.
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/config"
	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/jobs"
	"github.com/eldtechnologies/kalenda/internal/queue"
	"github.com/eldtechnologies/kalenda/internal/report"
	"github.com/eldtechnologies/kalenda/internal/store"
)

// NewLogger returns a console logger in development and JSON otherwise.
func NewLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}

// App holds the long-lived infrastructure clients.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Reporter     report.Reporter
	Redis        *store.RedisStore
	Interactions store.InteractionStore
	Registry     *queue.Registry
	Queue        *queue.RedisQueue
	Claims       *queue.Claims

	sentry *report.SentryReporter
}

// New connects to Redis and the analytics database and registers jobs.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	var reporter report.Reporter = report.NewLogReporter(logger)
	if cfg.SentryDSN != "" {
		sr, err := report.NewSentryReporter(cfg.SentryDSN, cfg.Env, reporter)
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		a.sentry = sr
		reporter = sr
		logger.Info().Msg("Sentry reporting enabled")
	}
	a.Reporter = reporter

	rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	a.Redis = rs
	logger.Info().Msg("connected to Redis")

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		logger.Info().Msg("running database migrations...")
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			a.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		a.Interactions = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		a.Interactions = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite for analytics")
	}

	a.Registry = queue.NewRegistry()
	jobs.Register(a.Registry, a.Interactions, logger)
	a.Queue = queue.NewRedisQueue(rs.Client(), cfg.QueueName, cfg.QueueSubmitTimeout)
	a.Claims = queue.NewClaims(rs.Client())

	return a, nil
}

// Sealer returns the store keyring, or nil when encryption is off. In
// development a missing key is replaced by an ephemeral one.
func (a *App) Sealer() (store.Sealer, error) {
	mode, err := store.ParseEncryptionMode(a.Config.EncryptionMode)
	if err != nil {
		return nil, err
	}
	if mode == store.EncryptNone {
		return nil, nil
	}

	keys := a.Config.StoreKeys
	if keys == "" {
		if !a.Config.IsDevelopment() {
			return nil, fmt.Errorf("STORE_ENCRYPTION_KEYS is required for ENCRYPTION_MODE=%s", mode)
		}
		secret, err := crypto.GenerateSecret()
		if err != nil {
			return nil, err
		}
		keys = base64.StdEncoding.EncodeToString(secret)
		a.Logger.Warn().Msg("no STORE_ENCRYPTION_KEYS set, using an ephemeral key; sealed values will not survive a restart")
	}

	kr, err := crypto.ParseKeyring(keys)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().
		Int("key_version", kr.CurrentVersion()).
		Ints("readable_versions", kr.Versions()).
		Str("mode", string(mode)).
		Msg("store encryption enabled")
	return kr, nil
}

// Policy returns the store encryption policy.
func (a *App) Policy() store.Policy {
	mode, _ := store.ParseEncryptionMode(a.Config.EncryptionMode)
	return store.Policy{Mode: mode, ExcludedOwner: a.Config.AdminID}
}

// NewWorker creates a queue worker over the shared registry.
func (a *App) NewWorker() *queue.Worker {
	return queue.NewWorker(a.Queue, a.Claims, a.Registry, a.Config.WorkerConcurrency, a.Logger)
}

// Close flushes reporting and closes connections.
func (a *App) Close() {
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
	if a.Interactions != nil {
		a.Interactions.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}
