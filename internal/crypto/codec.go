// Package crypto encrypts community credentials at rest.
//
// Ciphertext is stored as "enc:v1:<base64(nonce+sealed)>" using
// XChaCha20-Poly1305 under a key derived from the configured secret with HKDF.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const prefix = "enc:v1:"

// ErrNotEncrypted is returned when a stored value lacks the envelope prefix.
var ErrNotEncrypted = errors.New("crypto: value is not encrypted")

// Codec is the encrypt/decrypt capability used at the store boundary.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEADCodec implements Codec. Safe for concurrent use.
type AEADCodec struct {
	aead cipher.AEAD
}

var _ Codec = (*AEADCodec)(nil)

// NewCodec derives a 256-bit key from secret. purpose separates keys that
// share the same master secret.
func NewCodec(secret []byte, purpose string) (*AEADCodec, error) {
	if len(secret) < 16 {
		return nil, errors.New("crypto: secret must be at least 16 bytes")
	}
	r := hkdf.New(sha256.New, secret, []byte("boost-credential-encryption"), []byte(purpose))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &AEADCodec{aead: aead}, nil
}

// Encrypt seals plaintext. The empty string stays empty so absent
// credential fields remain absent.
func (c *AEADCodec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *AEADCodec) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, prefix) {
		return "", ErrNotEncrypted
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("crypto: invalid base64: %w", err)
	}
	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return "", errors.New("crypto: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether stored carries the envelope prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}
