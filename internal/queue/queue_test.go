package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/models"
)

var bg = context.Background()

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testJob(id, name string, args any) models.Job {
	raw, _ := json.Marshal(args)
	return models.Job{ID: id, Name: name, Args: raw, EnqueuedAt: time.Now().UnixMilli()}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	r.Register("a", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	if _, err := r.Lookup("a"); err != nil {
		t.Fatalf("Lookup(a): %v", err)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	r.Register("x", h)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("x", h)
}

func TestSubmitPushesEnvelope(t *testing.T) {
	mr, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 0)

	if err := q.Submit(bg, testJob("j1", "echo", map[string]string{"k": "v"})); err != nil {
		t.Fatal(err)
	}

	items, err := mr.List("queue:default")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(items))
	}

	var job models.Job
	if err := json.Unmarshal([]byte(items[0]), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "j1" || job.Name != "echo" || string(job.Args) != `{"k":"v"}` {
		t.Fatalf("unexpected envelope: %+v", job)
	}

	n, err := q.Len(bg)
	if err != nil || n != 1 {
		t.Fatalf("Len() = %d, %v", n, err)
	}
}

func TestSubmitFailsWhenRedisDown(t *testing.T) {
	mr, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 200*time.Millisecond)
	mr.Close()

	start := time.Now()
	if err := q.Submit(bg, testJob("j1", "echo", nil)); err == nil {
		t.Fatal("expected submit error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("submit took %v", elapsed)
	}
}

func TestPopOrder(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 0)

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Submit(bg, testJob(id, "echo", nil)); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"1", "2", "3"} {
		job, err := q.pop(bg, 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected job %s, got %+v", want, job)
		}
	}
}

func TestClaimOnce(t *testing.T) {
	mr, client := newTestClient(t)
	c := NewClaims(client)

	ok, err := c.Claim(bg, "job-1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = c.Claim(bg, "job-1")
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}

	if ttl := mr.TTL("job:claim:job-1"); ttl != claimTTL {
		t.Fatalf("claim TTL = %v, want %v", ttl, claimTTL)
	}
}

func TestProcessSkipsClaimedJob(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 0)
	claims := NewClaims(client)

	var runs atomic.Int32
	r := NewRegistry()
	r.Register("count", func(context.Context, json.RawMessage) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	w := NewWorker(q, claims, r, 1, zerolog.Nop())

	job := testJob("dup", "count", nil)
	w.Process(bg, job)
	w.Process(bg, job)

	if got := runs.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestProcessSurvivesFailures(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 0)

	r := NewRegistry()
	r.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("kaboom")
	})
	r.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("nope")
	})
	w := NewWorker(q, nil, r, 1, zerolog.Nop())

	// None of these may panic out of Process.
	w.Process(bg, testJob("1", "boom", nil))
	w.Process(bg, testJob("2", "fail", nil))
	w.Process(bg, testJob("3", "unknown", nil))
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := func(context.Context, json.RawMessage) (any, error) { panic("kaboom") }
	if _, err := Execute(bg, h, testJob("1", "boom", nil)); !errors.Is(err, ErrJobPanicked) {
		t.Fatalf("expected ErrJobPanicked, got %v", err)
	}
}

func TestWorkerRunsQueuedJobs(t *testing.T) {
	_, client := newTestClient(t)
	q := NewRedisQueue(client, "default", 0)

	got := make(chan string, 4)
	r := NewRegistry()
	r.Register("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return nil, err
		}
		got <- s
		return s, nil
	})
	w := NewWorker(q, NewClaims(client), r, 2, zerolog.Nop())

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, s := range []string{"one", "two"} {
		if err := q.Submit(bg, testJob(s, "echo", s)); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
