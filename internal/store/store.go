package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/kalenda/internal/models"
)

// KV is the byte-level contract the secure store needs from its backing
// service: atomic set/get/delete per key with optional TTL.
// RedisStore implements this interface.
type KV interface {
	RawSet(ctx context.Context, key, value string, ttl time.Duration) error
	RawGet(ctx context.Context, key string) (string, bool, error)
	RawDelete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// InteractionStore defines persistent storage for analytics records.
// Both PostgresStore and SQLiteStore implement this interface.
type InteractionStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Interaction operations
	RecordInteraction(ctx context.Context, in *models.Interaction) error
	CountInteractions(ctx context.Context) (int64, error)
	CountUserInteractions(ctx context.Context, userKey string) (int64, error)
	GetMostRecentInteraction(ctx context.Context) (*time.Time, error)
}
