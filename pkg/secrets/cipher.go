// Package secrets provides the AES-GCM cipher protecting captured digit
// strings at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrKeyMissing indicates the configured key env var is empty
	ErrKeyMissing = errors.New("encryption key not set")

	// ErrMalformedCiphertext indicates the stored value cannot be decoded
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Cipher seals and opens short strings with AES-GCM. A fresh nonce is
// generated per seal and prepended to the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a raw AES key (16, 24, or 32 bytes).
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromEnv creates a cipher from a base64-encoded key stored in the
// named environment variable.
func NewCipherFromEnv(envVar string) (*Cipher, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, envVar)
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key in %s: %w", envVar, err)
	}

	return NewCipher(key)
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrMalformedCiphertext
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	return string(plaintext), nil
}
