package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/metrics"
	"github.com/eldtechnologies/kalenda/internal/report"
)

var (
	ErrNoSealer  = errors.New("encryption required but no key configured")
	ErrMalformed = errors.New("stored value is not valid JSON for the requested type")
)

// EncryptionMode selects which keys the secure store encrypts.
type EncryptionMode string

const (
	EncryptAll      EncryptionMode = "all"
	EncryptNonAdmin EncryptionMode = "non-admin" // everyone except Policy.ExcludedOwner
	EncryptNone     EncryptionMode = "none"
)

// ParseEncryptionMode validates a configured mode string.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch m := EncryptionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case EncryptAll, EncryptNonAdmin, EncryptNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown encryption mode %q (want all, non-admin or none)", s)
	}
}

// Policy decides per key whether a value is encrypted at rest.
type Policy struct {
	Mode          EncryptionMode
	ExcludedOwner string
}

// Encrypts reports whether writes to key must be sealed.
func (p Policy) Encrypts(key string) bool {
	switch p.Mode {
	case EncryptAll:
		return true
	case EncryptNonAdmin:
		owner := KeyOwner(key)
		return owner != "" && owner != p.ExcludedOwner
	default:
		return false
	}
}

// KeyOwner returns the owner segment of a namespaced key ("chat:<owner>").
func KeyOwner(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Sealer encrypts and decrypts marked values. *crypto.Keyring implements it.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SecureStore serializes values to JSON and transparently encrypts them
// according to its Policy. Reads detect ciphertext by its marker, so callers
// never need to know how a key was written.
type SecureStore struct {
	kv       KV
	sealer   Sealer
	policy   Policy
	reporter report.Reporter
	logger   zerolog.Logger
}

// NewSecureStore creates a secure store over kv. sealer may be nil when the
// policy never encrypts.
func NewSecureStore(kv KV, sealer Sealer, policy Policy, reporter report.Reporter, logger zerolog.Logger) *SecureStore {
	return &SecureStore{
		kv:       kv,
		sealer:   sealer,
		policy:   policy,
		reporter: reporter,
		logger:   logger.With().Str("component", "store").Logger(),
	}
}

// Policy returns the active encryption policy.
func (s *SecureStore) Policy() Policy {
	return s.policy
}

// Set stores value under key with an optional ttl (0 = no expiry).
// If encryption fails the plaintext is stored and the failure reported.
func (s *SecureStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	payload, encoding := string(data), "plain"
	if s.policy.Encrypts(key) {
		sealed, err := s.seal(payload)
		if err != nil {
			s.reporter.Report(ctx, report.Event{
				Component: "store",
				Message:   "encryption failed, storing plaintext",
				Key:       key,
				Err:       err,
			})
		} else {
			payload, encoding = sealed, "sealed"
		}
	}

	if err := s.kv.RawSet(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	metrics.StoreOperations.WithLabelValues("set", encoding).Inc()
	s.logger.Debug().Str("key", key).Str("encoding", encoding).Dur("ttl", ttl).Msg("value stored")
	return nil
}

func (s *SecureStore) seal(plaintext string) (string, error) {
	if s.sealer == nil {
		return "", ErrNoSealer
	}
	return s.sealer.Seal(plaintext)
}

// Get returns the decoded value at key: JSON objects, arrays and strings
// decode to their generic Go forms, integral numbers to int64 and other
// numbers to float64. A present value that is not valid JSON, or a sealed
// value that cannot be opened, comes back as the raw string.
func (s *SecureStore) Get(ctx context.Context, key string) (any, bool, error) {
	text, found, err := s.read(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}

	v, err := decodeValue(text)
	if err != nil {
		return text, true, nil
	}
	return v, true, nil
}

// decodeValue parses a single JSON document without rounding large integers.
func decodeValue(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	}
	return v
}

// Load decodes the value at key into dst. It returns ErrMalformed when the
// stored text does not fit dst.
func (s *SecureStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	text, found, err := s.read(ctx, key)
	if err != nil || !found {
		return found, err
	}

	if err := json.Unmarshal([]byte(text), dst); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return true, nil
}

// Delete removes keys.
func (s *SecureStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.kv.RawDelete(ctx, keys...); err != nil {
		return fmt.Errorf("delete %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

// Keys lists stored keys matching pattern.
func (s *SecureStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.kv.Keys(ctx, pattern)
}

// read fetches key and strips encryption. Decryption failures degrade to the
// raw stored string.
func (s *SecureStore) read(ctx context.Context, key string) (string, bool, error) {
	raw, found, err := s.kv.RawGet(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("fetch %s: %w", key, err)
	}
	if !found {
		return "", false, nil
	}

	if !crypto.IsSealed(raw) {
		metrics.StoreOperations.WithLabelValues("get", "plain").Inc()
		return raw, true, nil
	}

	if s.sealer == nil {
		s.reporter.Report(ctx, report.Event{
			Component: "store",
			Message:   "sealed value found but no key configured",
			Key:       key,
			Err:       ErrNoSealer,
		})
		return raw, true, nil
	}

	plaintext, err := s.sealer.Open(raw)
	if err != nil {
		if version, verr := crypto.SealedVersion(raw); verr == nil {
			err = fmt.Errorf("key version %d: %w", version, err)
		}
		s.reporter.Report(ctx, report.Event{
			Component: "store",
			Message:   "decryption failed, returning raw value",
			Key:       key,
			Err:       err,
		})
		return raw, true, nil
	}

	metrics.StoreOperations.WithLabelValues("get", "sealed").Inc()
	return plaintext, true, nil
}
