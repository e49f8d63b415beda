package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MarkerPrefix tags every sealed value. The version digits and a colon follow.
	MarkerPrefix = "RENC_v"

	hkdfInfo  = "kalenda-store-v1"
	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = 16
)

// CryptoError represents an encryption/decryption error.
type CryptoError struct {
	Message string
}

func (e *CryptoError) Error() string {
	return e.Message
}

// ErrCrypto checks if an error is a CryptoError.
func ErrCrypto(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// Keyring seals values with the current key version and opens values written
// under any version it still holds.
type Keyring struct {
	current int
	keys    map[int][]byte
}

// NewKeyring derives one ChaCha20-Poly1305 key per secret. The highest
// version becomes the write key.
func NewKeyring(secrets map[int][]byte) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, &CryptoError{Message: "keyring needs at least one key"}
	}

	kr := &Keyring{current: -1, keys: make(map[int][]byte, len(secrets))}
	for version, secret := range secrets {
		if version < 1 {
			return nil, &CryptoError{Message: fmt.Sprintf("invalid key version %d", version)}
		}
		if len(secret) < keySize {
			return nil, &CryptoError{Message: fmt.Sprintf("key v%d too short: %d bytes, minimum %d", version, len(secret), keySize)}
		}
		key, err := deriveKey(secret, version)
		if err != nil {
			return nil, err
		}
		kr.keys[version] = key
		if version > kr.current {
			kr.current = version
		}
	}
	return kr, nil
}

// ParseKeyring parses "1:<base64>,2:<base64>". A bare base64 value is version 1.
func ParseKeyring(keys string) (*Keyring, error) {
	secrets := make(map[int][]byte)
	for _, entry := range strings.Split(keys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		version, encoded := 1, entry
		if v, rest, ok := strings.Cut(entry, ":"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &CryptoError{Message: fmt.Sprintf("invalid key version %q", v)}
			}
			version, encoded = n, rest
		}

		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &CryptoError{Message: fmt.Sprintf("invalid base64 key v%d: %v", version, err)}
		}
		if _, dup := secrets[version]; dup {
			return nil, &CryptoError{Message: fmt.Sprintf("duplicate key version %d", version)}
		}
		secrets[version] = secret
	}
	return NewKeyring(secrets)
}

// deriveKey derives a store key using HKDF-SHA256, salted with the version.
func deriveKey(secret []byte, version int) ([]byte, error) {
	salt := []byte(MarkerPrefix + strconv.Itoa(version))
	r := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// CurrentVersion returns the version used for new writes.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Versions returns every version the keyring can open, ascending.
func (k *Keyring) Versions() []int {
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Seal encrypts plaintext with the current key.
// Wire format: RENC_v<version>:base64(nonce[12] + ciphertext[N+16])
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(k.keys[k.current])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	wire := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return MarkerPrefix + strconv.Itoa(k.current) + ":" + base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts a value produced by Seal.
func (k *Keyring) Open(sealed string) (string, error) {
	version, payload, err := splitMarker(sealed)
	if err != nil {
		return "", err
	}

	key, ok := k.keys[version]
	if !ok {
		return "", &CryptoError{Message: fmt.Sprintf("unknown key version %d", version)}
	}

	wire, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &CryptoError{Message: fmt.Sprintf("invalid base64 ciphertext: %v", err)}
	}
	if len(wire) < nonceSize+tagSize {
		return "", &CryptoError{Message: fmt.Sprintf("ciphertext too short: %d bytes, minimum %d", len(wire), nonceSize+tagSize)}
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, wire[:nonceSize], wire[nonceSize:], nil)
	if err != nil {
		return "", &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}
	return string(plaintext), nil
}

// IsSealed reports whether a stored value carries the ciphertext marker.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, MarkerPrefix)
}

// SealedVersion returns the key version named by a sealed value's marker.
func SealedVersion(sealed string) (int, error) {
	version, _, err := splitMarker(sealed)
	return version, err
}

func splitMarker(sealed string) (int, string, error) {
	if !IsSealed(sealed) {
		return 0, "", &CryptoError{Message: "value is not sealed"}
	}
	v, payload, ok := strings.Cut(strings.TrimPrefix(sealed, MarkerPrefix), ":")
	if !ok {
		return 0, "", &CryptoError{Message: "malformed marker"}
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return 0, "", &CryptoError{Message: fmt.Sprintf("malformed marker version %q", v)}
	}
	return version, payload, nil
}

// GenerateSecret returns a random key suitable for NewKeyring.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}
