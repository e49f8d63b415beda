package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogReporterWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogReporter(zerolog.New(&buf))

	r.Report(context.Background(), Event{
		Component: "store",
		Message:   "encryption failed, stored plaintext",
		Key:       "chat:123",
		Err:       errors.New("boom"),
	})

	out := buf.String()
	for _, want := range []string{`"source":"store"`, `"key":"chat:123"`, `"error":"boom"`, "stored plaintext"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log line %s", want, out)
		}
	}
}

func TestRecorderCounts(t *testing.T) {
	var r Recorder
	r.Report(context.Background(), Event{Component: "dispatch"})
	r.Report(context.Background(), Event{Component: "store"})
	r.Report(context.Background(), Event{Component: "dispatch"})

	if got := r.Count("dispatch"); got != 2 {
		t.Fatalf("expected 2 dispatch events, got %d", got)
	}
	if got := len(r.Events()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
}
