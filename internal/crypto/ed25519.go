package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names carried by signed upstream requests.
const (
	HeaderTimestamp = "X-Kalenda-Timestamp"
	HeaderNonce     = "X-Kalenda-Nonce"
	HeaderSignature = "X-Kalenda-Signature"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// ParsePrivateKey decodes a base64 Ed25519 seed or full private key.
func ParsePrivateKey(keyB64 string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}

	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("%w: must be %d or %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
	}
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(keyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// SignaturePayload creates the canonical data to sign.
// Format: sha256(body)|nonce|timestamp
func SignaturePayload(body []byte, nonce string, timestamp int64) []byte {
	hash := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s|%s|%d", hex.EncodeToString(hash[:]), nonce, timestamp))
}

// SignRequest sets the signature headers for body on h.
func SignRequest(h http.Header, key ed25519.PrivateKey, body []byte) {
	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := time.Now().UnixMilli()

	sig := ed25519.Sign(key, SignaturePayload(body, nonce, timestamp))

	h.Set(HeaderNonce, nonce)
	h.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
}

// VerifyRequest checks the signature headers on h against body.
func VerifyRequest(h http.Header, pub ed25519.PublicKey, body []byte) error {
	timestamp, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}

	if !ed25519.Verify(pub, SignaturePayload(body, h.Get(HeaderNonce), timestamp), signature) {
		return ErrInvalidSignature
	}
	return nil
}
