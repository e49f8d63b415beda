package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/crypto"
)

const (
	signatureWindow = 30 * time.Second
	nonceTTL        = 3 * time.Minute
	minNonceLength  = 24
)

// NonceStore remembers request nonces. RedisStore implements it.
type NonceStore interface {
	ClaimNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// OperatorAuth admits requests signed with the operator's Ed25519 key.
type OperatorAuth struct {
	key    ed25519.PublicKey
	nonces NonceStore
	logger zerolog.Logger
	window time.Duration
	now    func() time.Time
}

// NewOperatorAuth creates the middleware. With a nil key every guarded
// request is refused.
func NewOperatorAuth(key ed25519.PublicKey, nonces NonceStore, logger zerolog.Logger) *OperatorAuth {
	return &OperatorAuth{
		key:    key,
		nonces: nonces,
		logger: logger,
		window: signatureWindow,
		now:    time.Now,
	}
}

// RequireSignature verifies the X-Kalenda-* signature headers over the body.
func (m *OperatorAuth) RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.key == nil {
			jsonError(w, http.StatusServiceUnavailable, "operator access is not configured")
			return
		}

		nonce := r.Header.Get(crypto.HeaderNonce)
		timestamp := r.Header.Get(crypto.HeaderTimestamp)
		if nonce == "" || timestamp == "" || r.Header.Get(crypto.HeaderSignature) == "" {
			m.reject(w, r, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			m.reject(w, r, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			m.reject(w, r, "timestamp expired or too far in future")
			return
		}
		if len(nonce) < minNonceLength {
			m.reject(w, r, "nonce must be at least 24 characters")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := crypto.VerifyRequest(r.Header, m.key, body); err != nil {
			m.reject(w, r, "invalid signature")
			return
		}

		// Only a verified request may burn a nonce.
		fresh, err := m.nonces.ClaimNonce(r.Context(), nonce, nonceTTL)
		if err != nil {
			m.logger.Error().Err(err).Msg("nonce store unavailable")
			jsonError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		if !fresh {
			m.reject(w, r, "nonce already used")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *OperatorAuth) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	return ts > now-m.window.Milliseconds() && ts <= now
}

func (m *OperatorAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.logger.Warn().
		Str("type", "security").
		Str("event", "auth_rejected").
		Str("ip", RealIP(r)).
		Str("endpoint", r.URL.Path).
		Str("reason", reason).
		Msg("operator request rejected")
	jsonError(w, http.StatusUnauthorized, reason)
}
