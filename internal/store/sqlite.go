package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/kalenda/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/kalenda.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/kalenda.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_key TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		input_type TEXT NOT NULL DEFAULT 'unknown',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_user_key ON interactions(user_key);
	CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordInteraction inserts an analytics record, ignoring duplicate IDs.
func (s *SQLiteStore) RecordInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == "" {
		in.ID = ulid.Make().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO interactions (id, user_key, input, reply, input_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.ID, in.UserKey, in.Input, in.Reply, in.InputType, in.CreatedAt.UnixMilli())
	return err
}

// CountInteractions returns the total number of interactions.
func (s *SQLiteStore) CountInteractions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&count)
	return count, err
}

// CountUserInteractions returns the number of interactions for one user.
func (s *SQLiteStore) CountUserInteractions(ctx context.Context, userKey string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE user_key = ?`, userKey).Scan(&count)
	return count, err
}

// GetMostRecentInteraction returns when the last interaction was recorded.
func (s *SQLiteStore) GetMostRecentInteraction(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM interactions`).Scan(&ms); err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}
