// ABOUTME: AES-256-GCM codec for provider secrets stored in the system of record
// ABOUTME: Seals plaintext secrets with a random nonce and opens them on demand

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required symmetric key length in bytes (AES-256).
const KeySize = 32

// ErrCorruptCredential is returned when a stored secret cannot be decrypted,
// whether the ciphertext or nonce is malformed or authentication fails.
// The message deliberately carries no detail about which.
var ErrCorruptCredential = errors.New("corrupt credential")

// Codec encrypts and decrypts provider secrets with AES-256-GCM.
// Ciphertext and nonce travel as standard base64 strings.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a raw 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// KeyFromBase64 decodes a base64-encoded key and validates its length.
// Used at startup; a missing or malformed key is fatal to the process.
func KeyFromBase64(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("encryption key not set")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must decode to %d bytes (AES-256), got %d", KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts a plaintext secret with a fresh random nonce.
// Returns the ciphertext and nonce as base64 strings for storage.
func (c *Codec) Seal(plaintext string) (ciphertext, nonce string, err error) {
	nonceBytes := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonceBytes, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonceBytes),
		nil
}

// Open decrypts a stored secret using its stored nonce.
// Any failure, including tampered ciphertext or a wrong key, returns
// ErrCorruptCredential rather than partial plaintext.
func (c *Codec) Open(ciphertext, nonce string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrCorruptCredential
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", ErrCorruptCredential
	}
	if len(nonceBytes) != c.aead.NonceSize() {
		return "", ErrCorruptCredential
	}
	plaintext, err := c.aead.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return "", ErrCorruptCredential
	}
	return string(plaintext), nil
}
