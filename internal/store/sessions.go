package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/report"
)

const (
	maxExchanges   = 3
	exchangeMaxAge = 24 * time.Hour
	draftTTL       = 24 * time.Hour
)

// chatKey returns the key for a user's recent exchanges.
func chatKey(userKey string) string {
	return "chat:" + userKey
}

// draftKey returns the key for a user's in-progress draft.
func draftKey(userKey string) string {
	return "draft:" + userKey
}

// Snapshot is the session state handed to the processor.
type Snapshot struct {
	Exchanges []models.Exchange `json:"exchanges"`
	Draft     models.Draft      `json:"draft"`
}

// Sessions builds chat history and drafts on top of SecureStore get/set.
//
// Updates are read-merge-write without a transaction: two concurrent
// writers for the same user race and the last write wins.
type Sessions struct {
	store    *SecureStore
	reporter report.Reporter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSessions creates a session view over store.
func NewSessions(store *SecureStore, reporter report.Reporter, logger zerolog.Logger) *Sessions {
	return &Sessions{
		store:    store,
		reporter: reporter,
		logger:   logger.With().Str("component", "sessions").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Exchanges returns a user's stored exchanges, oldest first. Malformed
// history is reported and treated as empty.
func (s *Sessions) Exchanges(ctx context.Context, userKey string) ([]models.Exchange, error) {
	var chats []models.Exchange
	_, err := s.store.Load(ctx, chatKey(userKey), &chats)
	if errors.Is(err, ErrMalformed) {
		s.reporter.Report(ctx, report.Event{
			Component: "sessions",
			Message:   "discarding malformed chat history",
			UserKey:   userKey,
			Key:       chatKey(userKey),
			Err:       err,
		})
		return []models.Exchange{}, nil
	}
	if err != nil {
		return nil, err
	}
	if chats == nil {
		chats = []models.Exchange{}
	}
	return chats, nil
}

// pruneExpired drops exchanges older than exchangeMaxAge. Entries without a
// timestamp are kept.
func pruneExpired(chats []models.Exchange, now time.Time) []models.Exchange {
	cutoff := now.Add(-exchangeMaxAge)
	kept := chats[:0]
	for _, c := range chats {
		if !c.Timestamp.IsZero() && c.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// PruneExchanges removes expired exchanges and writes the result back.
func (s *Sessions) PruneExchanges(ctx context.Context, userKey string) ([]models.Exchange, error) {
	chats, err := s.Exchanges(ctx, userKey)
	if err != nil {
		return nil, err
	}
	before := len(chats)
	chats = pruneExpired(chats, s.now())
	if len(chats) == before {
		return chats, nil
	}
	if err := s.store.Set(ctx, chatKey(userKey), chats, 0); err != nil {
		return nil, err
	}
	return chats, nil
}

// AddExchange prunes expired entries, trims the history to capacity and
// appends the new turn. The stored list holds at most maxExchanges+1 entries,
// newest last.
func (s *Sessions) AddExchange(ctx context.Context, userKey, input, answer string) ([]models.Exchange, error) {
	chats, err := s.Exchanges(ctx, userKey)
	if err != nil {
		return nil, err
	}

	now := s.now()
	chats = pruneExpired(chats, now)
	for len(chats) > maxExchanges {
		chats = chats[1:]
		s.logger.Debug().Str("user", userKey).Msg("history limit reached, oldest exchange removed")
	}

	chats = append(chats, models.Exchange{
		UserMessage:      input,
		AssistantMessage: strings.Join(strings.Fields(answer), " "),
		Timestamp:        now,
	})

	if err := s.store.Set(ctx, chatKey(userKey), chats, 0); err != nil {
		return nil, err
	}
	return chats, nil
}

// ClearExchanges deletes every user's chat history and returns how many
// histories were removed.
func (s *Sessions) ClearExchanges(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, chatKey("*"))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Draft returns the user's draft, or an empty draft when none exists.
func (s *Sessions) Draft(ctx context.Context, userKey string) (models.Draft, error) {
	draft := models.Draft{}
	_, err := s.store.Load(ctx, draftKey(userKey), &draft)
	if errors.Is(err, ErrMalformed) {
		s.reporter.Report(ctx, report.Event{
			Component: "sessions",
			Message:   "discarding malformed draft",
			UserKey:   userKey,
			Key:       draftKey(userKey),
			Err:       err,
		})
		return models.Draft{}, nil
	}
	if err != nil {
		return nil, err
	}
	if draft == nil {
		draft = models.Draft{}
	}
	return draft, nil
}

// SaveDraft overwrites the user's draft, stamping its write time. The store
// expires it after draftTTL.
func (s *Sessions) SaveDraft(ctx context.Context, userKey string, draft models.Draft) (models.Draft, error) {
	saved := make(models.Draft, len(draft)+1)
	for k, v := range draft {
		saved[k] = v
	}
	saved[models.DraftTimestampField] = s.now().Format(time.RFC3339Nano)

	if err := s.store.Set(ctx, draftKey(userKey), saved, draftTTL); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteDraft removes the user's draft after it is confirmed or discarded.
func (s *Sessions) DeleteDraft(ctx context.Context, userKey string) error {
	return s.store.Delete(ctx, draftKey(userKey))
}

// Snapshot loads both history and draft for a user.
func (s *Sessions) Snapshot(ctx context.Context, userKey string) (Snapshot, error) {
	chats, err := s.Exchanges(ctx, userKey)
	if err != nil {
		return Snapshot{}, err
	}
	draft, err := s.Draft(ctx, userKey)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Exchanges: chats, Draft: draft}, nil
}
