package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/report"
)

// newTestRedis starts an in-process Redis and returns a store bound to it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStoreFromClient(client)
}

func newTestKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	kr, err := crypto.NewKeyring(map[int][]byte{1: secret})
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

func newTestSecureStore(t *testing.T, policy Policy) (*miniredis.Miniredis, *SecureStore, *report.Recorder) {
	t.Helper()
	mr, rs := newTestRedis(t)
	rec := &report.Recorder{}
	return mr, NewSecureStore(rs, newTestKeyring(t), policy, rec, zerolog.Nop()), rec
}

// failingSealer always fails to encrypt or decrypt.
type failingSealer struct{}

func (failingSealer) Seal(string) (string, error) { return "", errors.New("kms unavailable") }
func (failingSealer) Open(string) (string, error) { return "", errors.New("kms unavailable") }

var bg = context.Background()
