package upstream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/conversation"
)

var ErrEmptyReply = errors.New("processor returned an empty reply")

// Processor asks a remote model service for replies.
type Processor struct {
	client *Client
	url    string
}

// NewProcessor creates a processor posting to url.
func NewProcessor(client *Client, url string) *Processor {
	return &Processor{client: client, url: url}
}

// Process implements conversation.Processor.
func (p *Processor) Process(ctx context.Context, req conversation.Request) (conversation.Reply, error) {
	var reply conversation.Reply
	if err := p.client.postJSON(ctx, p.url, req, &reply); err != nil {
		return conversation.Reply{}, err
	}
	if reply.Text == "" {
		return conversation.Reply{}, ErrEmptyReply
	}
	return reply, nil
}

// sendRequest is the body posted to the messaging gateway.
type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Sender delivers replies through a remote messaging gateway.
type Sender struct {
	client *Client
	url    string
}

// NewSender creates a sender posting to url.
func NewSender(client *Client, url string) *Sender {
	return &Sender{client: client, url: url}
}

// Send implements conversation.Sender.
func (s *Sender) Send(ctx context.Context, userKey, text string) error {
	return s.client.postJSON(ctx, s.url, sendRequest{To: userKey, Text: text}, nil)
}

// EchoProcessor answers every batch with its own text. It stands in for the
// model service in development.
type EchoProcessor struct{}

// Process implements conversation.Processor.
func (EchoProcessor) Process(_ context.Context, req conversation.Request) (conversation.Reply, error) {
	text := req.Text
	if text == "" {
		text = "(attachment received)"
	}
	return conversation.Reply{Text: text, InputType: "echo"}, nil
}

// LogSender writes replies to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a sender that logs to logger.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "sender").Logger()}
}

// Send implements conversation.Sender.
func (s *LogSender) Send(_ context.Context, userKey, text string) error {
	s.logger.Info().Str("user", userKey).Str("text", text).Msg("Reply")
	return nil
}
