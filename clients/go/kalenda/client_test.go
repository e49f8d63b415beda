package kalenda

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eldtechnologies/kalenda/internal/crypto"
)

var bg = context.Background()

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inbound" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing content type")
		}
		var msg Message
		json.NewDecoder(r.Body).Decode(&msg)
		if msg.UserKey != "U1" || msg.Text != "hi there" {
			t.Errorf("unexpected message %+v", msg)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"buffered","pending":1}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Send(bg, Message{UserKey: "U1", Text: "hi there"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "buffered" || resp.Pending != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSessionAndDrafts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/U1/session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exchanges":[{"userMessage":"hi","aiMessage":"hello","timestamp":"2026-10-19T10:00:00Z"}],"draft":{"title":"x"}}`))
	})
	mux.HandleFunc("PUT /users/U1/draft", func(w http.ResponseWriter, r *http.Request) {
		var d map[string]any
		json.NewDecoder(r.Body).Decode(&d)
		d["timestamp"] = "now"
		json.NewEncoder(w).Encode(d)
	})
	mux.HandleFunc("DELETE /users/U1/draft", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /chats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cleared":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(srv.URL)

	s, err := c.Session(bg, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Exchanges) != 1 || s.Exchanges[0].AssistantMessage != "hello" || s.Draft["title"] != "x" {
		t.Fatalf("unexpected session %+v", s)
	}

	d, err := c.PutDraft(bg, "U1", map[string]any{"title": "y"})
	if err != nil || d["title"] != "y" || d["timestamp"] != "now" {
		t.Fatalf("PutDraft = %v, %v", d, err)
	}

	if err := c.DeleteDraft(bg, "U1"); err != nil {
		t.Fatal(err)
	}

	n, err := c.ClearChats(bg)
	if err != nil || n != 3 {
		t.Fatalf("ClearChats = %d, %v", n, err)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid user ID format"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Session(bg, "a:b")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "invalid user ID format" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDegradedHealthKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","checks":{"redis":{"status":"fail"}}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Health(bg)
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if resp.Status != "degraded" || resp.Checks["redis"].Status != "fail" {
		t.Fatalf("unexpected body %+v", resp)
	}
}

func TestOperatorKeySignsRequests(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := crypto.VerifyRequest(r.Header, pub, body); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid signature"}`))
			return
		}
		w.Write([]byte(`{"title":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.PutDraft(bg, "U1", map[string]any{"title": "x"}); err == nil {
		t.Fatal("expected unsigned request to be refused")
	}

	if err := c.SetOperatorKey(base64.StdEncoding.EncodeToString(priv.Seed())); err != nil {
		t.Fatal(err)
	}
	if _, err := c.PutDraft(bg, "U1", map[string]any{"title": "x"}); err != nil {
		t.Fatalf("signed PutDraft: %v", err)
	}
	if _, err := c.Session(bg, "U1"); err != nil {
		t.Fatalf("signed GET: %v", err)
	}
}

func TestSetOperatorKeyRejectsBadKeys(t *testing.T) {
	c := NewClient("")
	for _, k := range []string{"not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if err := c.SetOperatorKey(k); err == nil {
			t.Fatalf("expected error for %q", k)
		}
	}
}
