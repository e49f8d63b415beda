package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/eldtechnologies/kalenda/internal/conversation"
	"github.com/eldtechnologies/kalenda/internal/store"
)

// userKeyRegex restricts user keys to characters that are safe inside store
// keys. A colon would shift the owner segment the encryption policy reads.
var userKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@+\-]{1,64}$`)

// QueueStats reports the depth of the work queue.
type QueueStats interface {
	Len(ctx context.Context) (int64, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	conv         *conversation.Service
	interactions store.InteractionStore
	redis        *store.RedisStore
	queue        QueueStats
}

// NewHandler creates a new Handler. queue may be nil when no queue is
// configured.
func NewHandler(conv *conversation.Service, interactions store.InteractionStore, redis *store.RedisStore, queue QueueStats) *Handler {
	return &Handler{conv: conv, interactions: interactions, redis: redis, queue: queue}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeText trims and removes control characters other than newlines.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r != '\n' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// isValidUserKey reports whether key can be used to address a user.
func isValidUserKey(key string) bool {
	return userKeyRegex.MatchString(key)
}
