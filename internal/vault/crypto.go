// Package vault provides security primitives including AES-GCM encryption and TLS certificate generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrKeySize is returned for keys that are not valid AES-256 keys.
var ErrKeySize = errors.New("vault key must be 32 bytes")

// Encrypt takes a plaintext string and a 32-byte key, returning an encrypted hex string.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// The nonce is prepended so Decrypt can recover it.
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt takes the hex string and the 32-byte key to return the original text.
func Decrypt(cipherHex string, key []byte) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, actualCiphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key or tampered data)")
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Sealer encrypts individual record fields. A Sealer without a key passes
// values through unchanged and reports them as unsealed.
type Sealer struct {
	key []byte
}

// NewSealer parses a hex-encoded 32-byte key. An empty key disables sealing.
func NewSealer(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return &Sealer{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	return &Sealer{key: key}, nil
}

// Seal returns the stored form of plaintext and whether it was encrypted.
func (s *Sealer) Seal(plaintext string) (string, bool, error) {
	if s == nil || s.key == nil {
		return plaintext, false, nil
	}
	out, err := Encrypt(plaintext, s.key)
	return out, err == nil, err
}

// Open reverses Seal.
func (s *Sealer) Open(stored string, sealed bool) (string, error) {
	if !sealed {
		return stored, nil
	}
	if s == nil || s.key == nil {
		return "", errors.New("sealed value but no vault key configured")
	}
	return Decrypt(stored, s.key)
}
