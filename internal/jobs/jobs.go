// Package jobs holds the auxiliary work the conversation flow hands to the
// dispatcher.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/queue"
	"github.com/eldtechnologies/kalenda/internal/store"
)

// RecordInteraction is the job name for analytics writes.
const RecordInteraction = "interaction.record"

var ErrMissingUser = errors.New("interaction has no user")

// RecordArgs are the arguments of RecordInteraction. ID is assigned by the
// caller so a job that runs twice writes one row.
type RecordArgs struct {
	ID        string    `json:"id"`
	UserKey   string    `json:"user_key"`
	Input     string    `json:"input"`
	Reply     string    `json:"reply"`
	InputType string    `json:"input_type"`
	At        time.Time `json:"at"`
}

// NewRecordArgs stamps a fresh ID and the current time.
func NewRecordArgs(userKey, input, reply, inputType string) RecordArgs {
	if inputType == "" {
		inputType = "unknown"
	}
	return RecordArgs{
		ID:        ulid.Make().String(),
		UserKey:   userKey,
		Input:     input,
		Reply:     reply,
		InputType: inputType,
		At:        time.Now().UTC(),
	}
}

// Register adds every job handler to r.
func Register(r *queue.Registry, interactions store.InteractionStore, logger zerolog.Logger) {
	log := logger.With().Str("component", "jobs").Logger()

	r.Register(RecordInteraction, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args RecordArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", RecordInteraction, err)
		}
		if args.UserKey == "" {
			return nil, ErrMissingUser
		}

		in := &models.Interaction{
			ID:        args.ID,
			UserKey:   args.UserKey,
			Input:     args.Input,
			Reply:     args.Reply,
			InputType: args.InputType,
			CreatedAt: args.At,
		}
		if err := interactions.RecordInteraction(ctx, in); err != nil {
			return nil, err
		}

		log.Debug().
			Str("id", in.ID).
			Str("user", in.UserKey).
			Str("type", in.InputType).
			Int("input_chars", len(in.Input)).
			Int("reply_chars", len(in.Reply)).
			Msg("Interaction recorded")
		return in.ID, nil
	})
}
