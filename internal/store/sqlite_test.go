package store

import (
	"testing"

	"github.com/eldtechnologies/kalenda/internal/models"
)

func TestSQLiteInteractions(t *testing.T) {
	s, err := NewSQLiteStore(bg, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	last, err := s.GetMostRecentInteraction(bg)
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Fatalf("expected no activity, got %v", last)
	}

	in := &models.Interaction{UserKey: "U", Input: "hi", Reply: "hello", InputType: "text"}
	if err := s.RecordInteraction(bg, in); err != nil {
		t.Fatal(err)
	}
	if in.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	// Same ID again is ignored.
	if err := s.RecordInteraction(bg, in); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordInteraction(bg, &models.Interaction{UserKey: "V", InputType: "voice"}); err != nil {
		t.Fatal(err)
	}

	total, err := s.CountInteractions(bg)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 interactions, got %d", total)
	}

	mine, err := s.CountUserInteractions(bg, "U")
	if err != nil {
		t.Fatal(err)
	}
	if mine != 1 {
		t.Fatalf("expected 1 interaction for U, got %d", mine)
	}

	last, err = s.GetMostRecentInteraction(bg)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("expected most recent interaction time")
	}
}
