// Package crypto seals secret values with AES-256-GCM before they reach a
// durable credential backend.
//
// The key is a 32-byte hex string taken from CONNHUB_ENCRYPTION_KEY. If unset,
// a deterministic dev-only key is used. Sealed values carry the "enc:v1:"
// prefix so plaintext rows written by older builds can still be told apart.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EnvKey is the environment variable name for the 256-bit encryption key (hex-encoded).
	EnvKey = "CONNHUB_ENCRYPTION_KEY"

	// Prefix marks a sealed value.
	Prefix = "enc:v1:"

	// devKey is used ONLY when CONNHUB_ENCRYPTION_KEY is unset. Not for production.
	devKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrNotSealed          = errors.New("crypto: value is not sealed")
)

// Sealer encrypts and decrypts secret values with a fixed key.
// It is safe for concurrent use.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer from a hex-encoded 32-byte key.
func NewSealer(hexKey string) (*Sealer, error) {
	k, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes (64 hex chars), got %d bytes", len(k))
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// SealerFromEnv builds a Sealer from CONNHUB_ENCRYPTION_KEY, or the dev key.
func SealerFromEnv() (*Sealer, error) {
	hexKey := os.Getenv(EnvKey)
	if hexKey == "" {
		hexKey = devKey
	}
	s, err := NewSealer(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvKey, err)
	}
	return s, nil
}

// Seal encrypts plaintext and returns "enc:v1:" + hex(nonce || ciphertext || tag).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + hex.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}
	data, err := hex.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: invalid hex ciphertext: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
