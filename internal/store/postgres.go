package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/kalenda/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// RunMigrations creates the interactions table if it does not exist.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_key TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			input_type TEXT NOT NULL DEFAULT 'unknown',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_user_key ON interactions(user_key);
		CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordInteraction inserts an analytics record. Re-recording the same ID is
// a no-op so a job that runs twice does not double count.
func (s *PostgresStore) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, user_key, input, reply, input_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.UserKey, in.Input, in.Reply, in.InputType, in.CreatedAt)
	return err
}

// CountInteractions returns the total number of interactions.
func (s *PostgresStore) CountInteractions(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&count)
	return count, err
}

// CountUserInteractions returns the number of interactions for one user.
func (s *PostgresStore) CountUserInteractions(ctx context.Context, userKey string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM interactions WHERE user_key = $1`, userKey).Scan(&count)
	return count, err
}

// GetMostRecentInteraction returns when the last interaction was recorded.
func (s *PostgresStore) GetMostRecentInteraction(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM interactions`).Scan(&t)
	return t, err
}
