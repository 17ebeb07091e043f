// Package secrets encrypts per-project secret payloads with AES-256-GCM.
// Project.SecretsEnc stores the ciphertext; the key is derived from the
// operator-provided secret key at startup.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const nonceSize = 12 // standard GCM nonce length

// ErrNoKey is returned when encryption is attempted without a configured key.
var ErrNoKey = errors.New("secrets: no key configured")

// Box encrypts and decrypts secret payloads with one derived key.
type Box struct {
	key []byte
}

// NewBox derives a 32-byte AES-256 key from the configured secret via
// SHA-256. An empty secret yields a Box that refuses to operate, so
// deployments without secrets never silently store plaintext.
func NewBox(secret string) *Box {
	if secret == "" {
		return &Box{}
	}
	h := sha256.Sum256([]byte(secret))
	return &Box{key: h[:]}
}

// Seal encrypts plaintext. The 12-byte nonce is prepended to the ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b.key == nil {
		return nil, ErrNoKey
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal (nonce || ciphertext).
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if b.key == nil {
		return nil, ErrNoKey
	}
	if len(ciphertext) < nonceSize {
		return nil, errors.New("secrets: ciphertext too short")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := ciphertext[:nonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}
	return plaintext, nil
}

// SealMap encrypts a string map as canonical JSON.
func (b *Box) SealMap(values map[string]string) ([]byte, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	return b.Seal(data)
}

// OpenMap decrypts a payload produced by SealMap.
func (b *Box) OpenMap(ciphertext []byte) (map[string]string, error) {
	data, err := b.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return values, nil
}
