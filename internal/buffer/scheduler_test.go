package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/eldtechnologies/kalenda/internal/models"
	"github.com/eldtechnologies/kalenda/internal/report"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testWindow = 40 * time.Millisecond

func newTestScheduler(t *testing.T, window time.Duration) (*Scheduler, *report.Recorder) {
	t.Helper()
	rec := &report.Recorder{}
	s := New(window, zerolog.Nop(), rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, rec
}

// collector returns a flush callback that forwards batches to a channel.
func collector() (FlushFunc, chan models.Batch) {
	ch := make(chan models.Batch, 16)
	return func(_ context.Context, b models.Batch) error {
		ch <- b
		return nil
	}, ch
}

func waitBatch(t *testing.T, ch <-chan models.Batch) models.Batch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return models.Batch{}
	}
}

func expectNoBatch(t *testing.T, ch <-chan models.Batch, d time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected extra flush: %+v", b)
	case <-time.After(d):
	}
}

func text(s string) models.Fragment {
	return models.NewFragment(s, "", "")
}

func TestBurstFlushesOnce(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, ch := collector()

	if err := s.Enqueue("U", text("A"), onFlush); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue("U", text("B"), onFlush); err != nil {
		t.Fatal(err)
	}

	b := waitBatch(t, ch)
	if b.Text != "A B" {
		t.Fatalf("expected %q, got %q", "A B", b.Text)
	}
	if b.UserKey != "U" || b.Fragments != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}
	expectNoBatch(t, ch, 3*testWindow)
}

func TestNewestImageWins(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, ch := collector()

	s.Enqueue("U", models.NewFragment("", "img1", ""), onFlush)
	s.Enqueue("U", text("hi"), onFlush)
	s.Enqueue("U", models.NewFragment("", "img2", ""), onFlush)

	b := waitBatch(t, ch)
	if b.Text != "hi" || b.ImageRef != "img2" {
		t.Fatalf("unexpected merge %+v", b)
	}
}

func TestReenqueueRestartsWindow(t *testing.T) {
	s, _ := newTestScheduler(t, 80*time.Millisecond)
	onFlush, ch := collector()

	s.Enqueue("U", text("one"), onFlush)
	time.Sleep(50 * time.Millisecond)
	last := time.Now()
	s.Enqueue("U", text("two"), onFlush)

	b := waitBatch(t, ch)
	if elapsed := time.Since(last); elapsed < 80*time.Millisecond {
		t.Fatalf("flushed %v after the last fragment, before the window closed", elapsed)
	}
	if b.Text != "one two" {
		t.Fatalf("expected both fragments in one batch, got %q", b.Text)
	}
}

func TestFragmentDuringFlushStartsNewBatch(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)

	started := make(chan struct{})
	release := make(chan struct{})
	batches := make(chan models.Batch, 4)
	var calls atomic.Int32
	onFlush := func(_ context.Context, b models.Batch) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		batches <- b
		return nil
	}

	s.Enqueue("U", text("A"), onFlush)
	s.Enqueue("U", text("B"), onFlush)
	<-started

	// Arrives while the first batch is in flight.
	s.Enqueue("U", text("C"), onFlush)
	close(release)

	first := waitBatch(t, batches)
	if first.Text != "A B" {
		t.Fatalf("first batch: expected %q, got %q", "A B", first.Text)
	}
	second := waitBatch(t, batches)
	if second.Text != "C" || second.Fragments != 1 {
		t.Fatalf("second batch: expected only %q, got %+v", "C", second)
	}
}

func TestFlushesAreSequentialPerUser(t *testing.T) {
	s, _ := newTestScheduler(t, 10*time.Millisecond)

	var inFlight, maxInFlight atomic.Int32
	batches := make(chan models.Batch, 4)
	onFlush := func(_ context.Context, b models.Batch) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		inFlight.Add(-1)
		batches <- b
		return nil
	}

	s.Enqueue("U", text("first"), onFlush)
	time.Sleep(25 * time.Millisecond) // first flush is now running
	s.Enqueue("U", text("second"), onFlush)

	a := waitBatch(t, batches)
	b := waitBatch(t, batches)
	if a.Text != "first" || b.Text != "second" {
		t.Fatalf("unexpected order %q, %q", a.Text, b.Text)
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected at most one flush in flight, saw %d", maxInFlight.Load())
	}
}

func TestUsersDoNotBlockEachOther(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)

	release := make(chan struct{})
	blocked := func(_ context.Context, _ models.Batch) error {
		<-release
		return nil
	}
	onFlush, ch := collector()

	s.Enqueue("slow", text("x"), blocked)
	s.Enqueue("fast", text("y"), onFlush)

	b := waitBatch(t, ch)
	if b.UserKey != "fast" {
		t.Fatalf("expected fast user's batch, got %+v", b)
	}
	close(release)
}

func TestFlushPanicIsContained(t *testing.T) {
	s, rec := newTestScheduler(t, testWindow)

	panicked := make(chan struct{})
	s.Enqueue("U", text("boom"), func(context.Context, models.Batch) error {
		defer close(panicked)
		panic("processor exploded")
	})
	<-panicked

	onFlush, ch := collector()
	if err := s.Enqueue("U", text("after"), onFlush); err != nil {
		t.Fatal(err)
	}
	b := waitBatch(t, ch)
	if b.Text != "after" {
		t.Fatalf("expected fresh batch after panic, got %q", b.Text)
	}
	if rec.Count("buffer") != 1 {
		t.Fatalf("expected panic to be reported once, got %d", rec.Count("buffer"))
	}
}

func TestFlushErrorIsReported(t *testing.T) {
	s, rec := newTestScheduler(t, testWindow)

	done := make(chan struct{})
	s.Enqueue("U", text("x"), func(context.Context, models.Batch) error {
		defer close(done)
		return errors.New("send failed")
	})
	<-done

	deadline := time.Now().Add(time.Second)
	for rec.Count("buffer") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].UserKey != "U" || events[0].Input != "x" {
		t.Fatalf("unexpected reports %+v", events)
	}
}

func TestStaleFireIsNoop(t *testing.T) {
	s, _ := newTestScheduler(t, time.Hour)

	called := false
	onFlush := func(context.Context, models.Batch) error {
		called = true
		return nil
	}
	s.Enqueue("U", text("x"), onFlush)

	st := s.state("U")
	s.armed.Add(1)
	s.fire("U", st, st.gen-1) // superseded generation

	if called {
		t.Fatal("stale fire must not flush")
	}
	if s.Pending("U") != 1 {
		t.Fatalf("stale fire must not consume the batch, pending=%d", s.Pending("U"))
	}

	empty := s.state("V")
	s.armed.Add(1)
	s.fire("V", empty, empty.gen) // orphaned fire on an empty buffer
	if called {
		t.Fatal("empty fire must not flush")
	}
}

func TestIdleUsersAreReleased(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, ch := collector()

	s.Enqueue("U", text("x"), onFlush)
	if s.Users() != 1 || s.Pending("U") != 1 {
		t.Fatalf("expected one buffered user, users=%d pending=%d", s.Users(), s.Pending("U"))
	}
	waitBatch(t, ch)

	deadline := time.Now().Add(time.Second)
	for s.Users() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Users() != 0 {
		t.Fatalf("expected user entry released, users=%d", s.Users())
	}
}

func TestConcurrentEnqueueSingleUser(t *testing.T) {
	s, _ := newTestScheduler(t, 200*time.Millisecond)
	onFlush, ch := collector()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Enqueue("U", text(fmt.Sprintf("m%d", i)), onFlush)
		}(i)
	}
	wg.Wait()

	b := waitBatch(t, ch)
	if b.Fragments != n {
		t.Fatalf("expected %d fragments in one batch, got %d", n, b.Fragments)
	}
	if got := len(strings.Fields(b.Text)); got != n {
		t.Fatalf("expected %d words, got %d", n, got)
	}
	expectNoBatch(t, ch, 100*time.Millisecond)
}

func TestShutdownDrainsPending(t *testing.T) {
	s := New(time.Hour, zerolog.Nop(), &report.Recorder{})
	onFlush, ch := collector()

	s.Enqueue("U", text("A"), onFlush)
	s.Enqueue("V", text("B"), onFlush)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		b := waitBatch(t, ch)
		got[b.UserKey] = b.Text
	}
	if got["U"] != "A" || got["V"] != "B" {
		t.Fatalf("unexpected drained batches %v", got)
	}

	if err := s.Enqueue("U", text("late"), onFlush); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
	if s.Users() != 0 {
		t.Fatalf("expected no users after drain, got %d", s.Users())
	}
}

func TestRejectedEnqueuesDoNotTrackUsers(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, _ := collector()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("U%d", i)
		if err := s.Enqueue(user, text("late"), onFlush); !errors.Is(err, ErrClosed) {
			t.Fatalf("enqueue %s: expected ErrClosed, got %v", user, err)
		}
	}
	if n := s.Users(); n != 0 {
		t.Fatalf("expected no tracked users after rejected enqueues, got %d", n)
	}
	if n := s.Pending("U0"); n != 0 {
		t.Fatalf("expected nothing pending, got %d", n)
	}
}

func TestEnqueueRejectsNilCallback(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	if err := s.Enqueue("U", text("x"), nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
}

func TestIndependentSchedulers(t *testing.T) {
	a, _ := newTestScheduler(t, testWindow)
	b, _ := newTestScheduler(t, time.Hour)
	onFlush, ch := collector()

	a.Enqueue("U", text("from a"), onFlush)
	b.Enqueue("U", text("from b"), onFlush)

	got := waitBatch(t, ch)
	if got.Text != "from a" {
		t.Fatalf("expected only scheduler a to flush, got %q", got.Text)
	}
	if b.Pending("U") != 1 {
		t.Fatal("scheduler b must keep its own buffer")
	}
}

func TestProcessNowFlushesBufferedFirst(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, ch := collector()

	s.Enqueue("U", text("A"), onFlush)
	s.Enqueue("U", text("B"), onFlush)
	if err := s.ProcessNow(context.Background(), "U", text("C"), onFlush); err != nil {
		t.Fatal(err)
	}

	if b := waitBatch(t, ch); b.Text != "A B" {
		t.Fatalf("first batch = %q, want the buffered fragments", b.Text)
	}
	if b := waitBatch(t, ch); b.Text != "C" || b.Fragments != 1 {
		t.Fatalf("second batch = %+v", b)
	}
	// The cancelled timer must not flush again.
	expectNoBatch(t, ch, 3*testWindow)
	if s.Users() != 0 {
		t.Fatalf("expected user to be released, got %d", s.Users())
	}
}

func TestProcessNowWaitsForInFlightFlush(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)

	started, release := make(chan struct{}), make(chan struct{})
	s.Enqueue("U", text("slow"), func(context.Context, models.Batch) error {
		close(started)
		<-release
		return nil
	})
	<-started

	onFlush, ch := collector()
	done := make(chan error, 1)
	go func() { done <- s.ProcessNow(context.Background(), "U", text("now"), onFlush) }()

	expectNoBatch(t, ch, 3*testWindow)
	close(release)

	if b := waitBatch(t, ch); b.Text != "now" {
		t.Fatalf("unexpected batch %q", b.Text)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestProcessNowReturnsCallbackFailure(t *testing.T) {
	s, rec := newTestScheduler(t, testWindow)
	ctx := context.Background()
	errSend := errors.New("send failed")

	err := s.ProcessNow(ctx, "U", text("x"), func(context.Context, models.Batch) error { return errSend })
	if !errors.Is(err, errSend) {
		t.Fatalf("expected callback error, got %v", err)
	}

	err = s.ProcessNow(ctx, "U", text("y"), func(context.Context, models.Batch) error { panic("boom") })
	if !errors.Is(err, ErrFlushPanicked) {
		t.Fatalf("expected ErrFlushPanicked, got %v", err)
	}

	if rec.Count("buffer") != 0 {
		t.Fatal("failures of immediate batches belong to the caller")
	}
	if s.Users() != 0 {
		t.Fatalf("expected no tracked users, got %d", s.Users())
	}
}

func TestProcessNowAfterShutdown(t *testing.T) {
	s, _ := newTestScheduler(t, testWindow)
	onFlush, ch := collector()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.ProcessNow(ctx, "U", text("late"), onFlush); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.ProcessNow(ctx, "U", text("late"), nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("expected ErrNilCallback, got %v", err)
	}
	expectNoBatch(t, ch, testWindow)
	if s.Users() != 0 {
		t.Fatalf("expected no tracked users, got %d", s.Users())
	}
}
