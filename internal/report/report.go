// Package report makes every degraded code path visible to operators.
//
// Components never surface infrastructure or encryption failures to end
// users; they call Reporter.Report instead, which logs, counts and forwards
// the event to Sentry when configured.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/metrics"
)

// Event describes one best-effort fallback or swallowed failure.
type Event struct {
	Component string // "buffer", "dispatch", "store", ...
	Message   string
	UserKey   string
	Key       string // store key, when relevant
	Input     string
	Err       error
}

// Reporter receives degraded-path events.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// LogReporter logs events with zerolog and counts them in prometheus.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter that writes to logger.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "report").Logger()}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, ev Event) {
	metrics.DegradedEvents.WithLabelValues(ev.Component).Inc()

	e := r.logger.Warn().Str("source", ev.Component)
	if ev.UserKey != "" {
		e = e.Str("user", ev.UserKey)
	}
	if ev.Key != "" {
		e = e.Str("key", ev.Key)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg(ev.Message)
}

// SentryReporter forwards events to Sentry after logging them.
type SentryReporter struct {
	next Reporter
	hub  *sentry.Hub
}

// NewSentryReporter initializes the Sentry client and wraps next.
func NewSentryReporter(dsn, environment string, next Reporter) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{next: next, hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report implements Reporter.
func (r *SentryReporter) Report(ctx context.Context, ev Event) {
	r.next.Report(ctx, ev)

	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ev.Component)
		if ev.UserKey != "" {
			scope.SetUser(sentry.User{ID: ev.UserKey})
		}
		if ev.Input != "" {
			scope.SetContext("input", sentry.Context{"message": ev.Input})
		}
		if ev.Key != "" {
			scope.SetContext("store", sentry.Context{"key": ev.Key})
		}
	})
	hub.CaptureMessage(ev.Message)
	if ev.Err != nil {
		hub.CaptureException(ev.Err)
	}
}

// Flush waits for buffered events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Recorder keeps events in memory. Tests use it to assert that a degraded
// path was taken.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Report implements Reporter.
func (r *Recorder) Report(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events came from component.
func (r *Recorder) Count(component string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Component == component {
			n++
		}
	}
	return n
}
