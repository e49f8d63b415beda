// Package conversation turns buffered user input into replies.
//
// Inbound fragments are coalesced per user by the scheduler. When a batch
// flushes, the service loads the user's recent history and draft, asks the
// Processor for a reply, delivers it through the Sender, records analytics
// through the dispatcher and appends the exchange to the history.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/buffer"
	"github.com/eldtechnologies/kalenda/internal/dispatch"
	"github.com/eldtechnologies/kalenda/internal/jobs"
	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/report"
	"github.com/eldtechnologies/kalenda/internal/store"
)

const (
	// MaxReplyChars is the longest reply delivered unchanged.
	MaxReplyChars = 1400

	// TrimNotice prefixes replies cut down to MaxReplyChars.
	TrimNotice = "Your list is too long, I can only show partial results. For more complete list, please specify a shorter date range.\n\n "
)

var ErrMissingUser = errors.New("missing user key")

// Inbound is one message as received from the messaging channel.
type Inbound struct {
	UserKey  string `json:"user_key"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"` // original attachment link
	ImageRef string `json:"image_ref,omitempty"` // resolved image, e.g. a data URL
	VoiceRef string `json:"voice_ref,omitempty"` // stored audio filename
}

// Outcome tells the caller what happened to an inbound message.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeProcessed Outcome = "processed"
)

// Request is what the Processor receives for one merged batch.
type Request struct {
	UserKey  string            `json:"user_key"`
	Text     string            `json:"text"`
	ImageRef string            `json:"image_ref,omitempty"`
	VoiceRef string            `json:"voice_ref,omitempty"`
	History  []models.Exchange `json:"history"`
	Draft    models.Draft      `json:"draft,omitempty"`
}

// Reply is the Processor's answer.
type Reply struct {
	Text      string `json:"reply"`
	InputType string `json:"input_type,omitempty"`
}

// Processor produces a reply for a batch. It is the language model boundary.
type Processor interface {
	Process(ctx context.Context, req Request) (Reply, error)
}

// Sender delivers a reply to the user.
type Sender interface {
	Send(ctx context.Context, userKey, text string) error
}

// Dispatcher runs auxiliary jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args any) (dispatch.Result, error)
}

// Service wires the scheduler, session store and collaborators together.
type Service struct {
	scheduler  *buffer.Scheduler
	sessions   *store.Sessions
	dispatcher Dispatcher
	processor  Processor
	sender     Sender
	reporter   report.Reporter
	logger     zerolog.Logger
}

// NewService creates a conversation service.
func NewService(
	scheduler *buffer.Scheduler,
	sessions *store.Sessions,
	dispatcher Dispatcher,
	processor Processor,
	sender Sender,
	reporter report.Reporter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		scheduler:  scheduler,
		sessions:   sessions,
		dispatcher: dispatcher,
		processor:  processor,
		sender:     sender,
		reporter:   reporter,
		logger:     logger.With().Str("component", "conversation").Logger(),
	}
}

// HandleInbound buffers a message or, when it carries both text and an
// attachment, processes it right away after anything the user already had
// buffered. Messages with no content are skipped.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (Outcome, error) {
	if in.UserKey == "" {
		return "", ErrMissingUser
	}

	f := models.NewFragment(in.Text, in.ImageRef, in.VoiceRef)
	if f.IsEmpty() {
		s.logger.Debug().Str("user", in.UserKey).Msg("Skipping empty message")
		return OutcomeSkipped, nil
	}

	if in.MediaURL != "" && in.Text != "" {
		if err := s.scheduler.ProcessNow(ctx, in.UserKey, f, s.Process); err != nil {
			if !errors.Is(err, buffer.ErrClosed) {
				s.reporter.Report(ctx, report.Event{
					Component: "conversation",
					Message:   "immediate processing failed",
					UserKey:   in.UserKey,
					Input:     in.Text,
					Err:       err,
				})
			}
			return "", err
		}
		return OutcomeProcessed, nil
	}

	if err := s.scheduler.Enqueue(in.UserKey, f, s.Process); err != nil {
		return "", err
	}
	return OutcomeBuffered, nil
}

// Process handles one merged batch end to end. It is the scheduler's flush
// callback.
func (s *Service) Process(ctx context.Context, batch models.Batch) error {
	log := s.logger.With().Str("user", batch.UserKey).Logger()
	log.Info().
		Int("fragments", batch.Fragments).
		Bool("image", batch.ImageRef != "").
		Bool("voice", batch.VoiceRef != "").
		Msg("Processing batch")

	snap, err := s.sessions.Snapshot(ctx, batch.UserKey)
	if err != nil {
		// Answer without context rather than not at all.
		s.reporter.Report(ctx, report.Event{
			Component: "conversation",
			Message:   "session unavailable, processing without history",
			UserKey:   batch.UserKey,
			Err:       err,
		})
	}

	reply, err := s.processor.Process(ctx, Request{
		UserKey:  batch.UserKey,
		Text:     batch.Text,
		ImageRef: batch.ImageRef,
		VoiceRef: batch.VoiceRef,
		History:  snap.Exchanges,
		Draft:    snap.Draft,
	})
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}
	if reply.InputType == "" {
		reply.InputType = "unknown"
	}

	text := TrimReply(reply.Text)
	if err := s.sender.Send(ctx, batch.UserKey, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	args := jobs.NewRecordArgs(batch.UserKey, batch.Text, text, reply.InputType)
	if _, err := s.dispatcher.Dispatch(ctx, jobs.RecordInteraction, args); err != nil {
		log.Error().Err(err).Msg("Failed to record interaction")
	}

	if _, err := s.sessions.AddExchange(ctx, batch.UserKey, batch.Text, text); err != nil {
		s.reporter.Report(ctx, report.Event{
			Component: "conversation",
			Message:   "failed to store exchange",
			UserKey:   batch.UserKey,
			Input:     batch.Text,
			Err:       err,
		})
	}

	log.Info().Str("input_type", reply.InputType).Int("reply_chars", utf8.RuneCountInString(text)).Msg("Batch processed")
	return nil
}

// TrimReply cuts replies longer than MaxReplyChars and prefixes TrimNotice.
func TrimReply(reply string) string {
	if utf8.RuneCountInString(reply) <= MaxReplyChars {
		return reply
	}
	var b strings.Builder
	b.WriteString(TrimNotice)
	n := 0
	for _, r := range reply {
		if n == MaxReplyChars {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Session returns the stored history and draft for userKey. Expired
// exchanges are dropped from the store on the way.
func (s *Service) Session(ctx context.Context, userKey string) (store.Snapshot, error) {
	if userKey == "" {
		return store.Snapshot{}, ErrMissingUser
	}
	chats, err := s.sessions.PruneExchanges(ctx, userKey)
	if err != nil {
		return store.Snapshot{}, err
	}
	draft, err := s.sessions.Draft(ctx, userKey)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Exchanges: chats, Draft: draft}, nil
}

// SaveDraft replaces the user's draft.
func (s *Service) SaveDraft(ctx context.Context, userKey string, draft models.Draft) (models.Draft, error) {
	if userKey == "" {
		return nil, ErrMissingUser
	}
	return s.sessions.SaveDraft(ctx, userKey, draft)
}

// Draft returns the user's draft, empty when there is none.
func (s *Service) Draft(ctx context.Context, userKey string) (models.Draft, error) {
	if userKey == "" {
		return nil, ErrMissingUser
	}
	return s.sessions.Draft(ctx, userKey)
}

// DiscardDraft deletes the user's draft after it was confirmed or cancelled.
func (s *Service) DiscardDraft(ctx context.Context, userKey string) error {
	if userKey == "" {
		return ErrMissingUser
	}
	return s.sessions.DeleteDraft(ctx, userKey)
}

// ClearHistory deletes every user's exchange history.
func (s *Service) ClearHistory(ctx context.Context) (int, error) {
	return s.sessions.ClearExchanges(ctx)
}

// Pending returns how many fragments are buffered for userKey.
func (s *Service) Pending(userKey string) int {
	return s.scheduler.Pending(userKey)
}

// ActiveUsers returns how many users have buffered or in-flight batches.
func (s *Service) ActiveUsers() int {
	return s.scheduler.Users()
}
