// Package buffer coalesces bursts of inbound fragments per user.
//
// Every Enqueue cancels the user's pending flush and arms a new one, so a
// batch is flushed only after the user has been quiet for a full window.
// Flushes for one user run strictly one after another; different users never
// wait on each other beyond a map lookup.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/metrics"
	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/report"
)

// DefaultWindow is the quiet period after the last fragment before a flush.
const DefaultWindow = 2 * time.Second

var (
	ErrClosed      = errors.New("scheduler is shut down")
	ErrNilCallback = errors.New("flush callback is nil")

	ErrFlushPanicked = errors.New("flush callback panicked")
)

// FlushFunc receives a user's merged batch once the window expires.
type FlushFunc func(ctx context.Context, batch models.Batch) error

// userState is the buffer and timer for one user.
type userState struct {
	mu      sync.Mutex // guards every field below
	pending []models.Fragment
	onFlush FlushFunc
	timer   *time.Timer
	gen     uint64 // bumped on every arm; a fire with an older gen is stale
	removed bool   // detached from the scheduler map

	flight sync.Mutex // held while onFlush runs
}

// Scheduler owns per-user buffers and debounce timers.
type Scheduler struct {
	window   time.Duration
	logger   zerolog.Logger
	reporter report.Reporter

	mu    sync.Mutex
	users map[string]*userState

	armed  sync.WaitGroup // one count per timer that has neither fired nor been stopped
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. A non-positive window uses DefaultWindow.
func New(window time.Duration, logger zerolog.Logger, reporter report.Reporter) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		window:   window,
		logger:   logger.With().Str("component", "buffer").Logger(),
		reporter: reporter,
		users:    make(map[string]*userState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Window returns the debounce window.
func (s *Scheduler) Window() time.Duration {
	return s.window
}

// state returns the live state for userKey, creating it if needed. It returns
// nil once the scheduler is closed and no entry exists.
func (s *Scheduler) state(userKey string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[userKey]
	if !ok {
		if s.closed.Load() {
			return nil
		}
		st = &userState{}
		s.users[userKey] = st
		metrics.PendingUsers.Set(float64(len(s.users)))
	}
	return st
}

// Enqueue buffers f for userKey and restarts the user's debounce window.
// It never blocks on a flush in progress.
func (s *Scheduler) Enqueue(userKey string, f models.Fragment, onFlush FlushFunc) error {
	if onFlush == nil {
		return ErrNilCallback
	}

	for {
		if s.closed.Load() {
			return ErrClosed
		}
		st := s.state(userKey)
		if st == nil {
			return ErrClosed
		}

		st.mu.Lock()
		if s.closed.Load() {
			// Created just before Shutdown; drop it if nothing else uses it.
			st.mu.Unlock()
			s.release(userKey, st)
			return ErrClosed
		}
		if st.removed {
			// Released between lookup and lock; fetch the fresh entry.
			st.mu.Unlock()
			continue
		}

		st.pending = append(st.pending, f)
		st.onFlush = onFlush

		if st.timer != nil && st.timer.Stop() {
			s.armed.Done()
		}
		st.gen++
		gen := st.gen
		s.armed.Add(1)
		st.timer = time.AfterFunc(s.window, func() { s.fire(userKey, st, gen) })
		buffered := len(st.pending)
		st.mu.Unlock()

		metrics.FragmentsBuffered.Inc()
		s.logger.Debug().
			Str("user", userKey).
			Int("buffered", buffered).
			Bool("text", f.Text != "").
			Bool("image", f.ImageRef != "").
			Bool("voice", f.VoiceRef != "").
			Msg("fragment queued")
		return nil
	}
}

// fire runs when a timer expires. Only the timer matching the current
// generation pops the batch; superseded or orphaned fires do nothing.
func (s *Scheduler) fire(userKey string, st *userState, gen uint64) {
	defer s.armed.Done()

	st.flight.Lock()
	defer st.flight.Unlock()

	st.mu.Lock()
	if st.gen != gen || len(st.pending) == 0 {
		st.mu.Unlock()
		return
	}
	fragments, onFlush := st.pending, st.onFlush
	st.pending, st.timer = nil, nil
	st.mu.Unlock()

	s.run(userKey, fragments, onFlush)
	s.release(userKey, st)
}

// run merges fragments and invokes onFlush, reporting any error or panic.
func (s *Scheduler) run(userKey string, fragments []models.Fragment, onFlush FlushFunc) {
	batch := models.Merge(userKey, fragments)
	metrics.BatchSize.Observe(float64(batch.Fragments))

	s.logger.Debug().
		Str("user", userKey).
		Int("fragments", batch.Fragments).
		Msg("flushing batch")

	if err := invoke(s.ctx, onFlush, batch); err != nil {
		msg := "flush callback failed"
		if errors.Is(err, ErrFlushPanicked) {
			msg = "flush callback panicked"
		}
		s.reporter.Report(s.ctx, report.Event{
			Component: "buffer",
			Message:   msg,
			UserKey:   userKey,
			Input:     batch.Text,
			Err:       err,
		})
	}
}

// invoke calls onFlush, turning a panic into ErrFlushPanicked.
func invoke(ctx context.Context, onFlush FlushFunc, batch models.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFlushPanicked, r)
		}

		outcome := "ok"
		switch {
		case errors.Is(err, ErrFlushPanicked):
			outcome = "panic"
		case err != nil:
			outcome = "error"
		}
		metrics.BatchesFlushed.WithLabelValues(outcome).Inc()
	}()
	return onFlush(ctx, batch)
}

// ProcessNow runs f as a batch of its own without waiting for the window.
// Fragments already buffered for userKey are flushed first, and both run under
// the user's flight lock, so ProcessNow never overlaps a timed flush and never
// overtakes earlier messages. The callback's error for f is returned to the
// caller instead of being reported.
func (s *Scheduler) ProcessNow(ctx context.Context, userKey string, f models.Fragment, onFlush FlushFunc) error {
	if onFlush == nil {
		return ErrNilCallback
	}

	for {
		if s.closed.Load() {
			return ErrClosed
		}
		st := s.state(userKey)
		if st == nil {
			return ErrClosed
		}

		st.flight.Lock()
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			st.flight.Unlock()
			continue
		}
		if s.closed.Load() {
			st.mu.Unlock()
			st.flight.Unlock()
			s.release(userKey, st)
			return ErrClosed
		}

		if st.timer != nil && st.timer.Stop() {
			s.armed.Done()
		}
		// A fire already waiting on the flight lock sees a new gen and backs off.
		st.gen++
		earlier, earlierFlush := st.pending, st.onFlush
		st.pending, st.timer = nil, nil
		st.mu.Unlock()

		if len(earlier) > 0 {
			s.run(userKey, earlier, earlierFlush)
		}

		batch := models.Merge(userKey, []models.Fragment{f})
		metrics.BatchSize.Observe(float64(batch.Fragments))
		s.logger.Debug().Str("user", userKey).Int("flushed_first", len(earlier)).Msg("processing immediately")
		err := invoke(ctx, onFlush, batch)

		st.flight.Unlock()
		s.release(userKey, st)
		return err
	}
}

// release drops the user's entry once nothing is buffered or armed.
func (s *Scheduler) release(userKey string, st *userState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.pending) == 0 && st.timer == nil && s.users[userKey] == st {
		st.removed = true
		delete(s.users, userKey)
		metrics.PendingUsers.Set(float64(len(s.users)))
	}
}

// Pending returns how many fragments are buffered for userKey.
func (s *Scheduler) Pending(userKey string) int {
	s.mu.Lock()
	st, ok := s.users[userKey]
	s.mu.Unlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

// Users returns how many users currently have buffered or in-flight batches.
func (s *Scheduler) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Shutdown rejects new fragments, flushes every pending batch immediately and
// waits for in-flight flushes to finish or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	states := make(map[string]*userState, len(s.users))
	for k, st := range s.users {
		states[k] = st
	}
	s.mu.Unlock()

	drained := 0
	for userKey, st := range states {
		st.mu.Lock()
		if st.timer == nil || !st.timer.Stop() {
			// Already firing; the fire goroutine owns the batch.
			st.mu.Unlock()
			continue
		}
		s.armed.Done()
		st.gen++
		fragments, onFlush := st.pending, st.onFlush
		st.pending, st.timer = nil, nil
		st.mu.Unlock()

		if len(fragments) > 0 {
			st.flight.Lock()
			s.run(userKey, fragments, onFlush)
			st.flight.Unlock()
			drained++
		}
		s.release(userKey, st)
	}

	done := make(chan struct{})
	go func() {
		s.armed.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info().Int("drained", drained).Msg("buffer drained")
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
