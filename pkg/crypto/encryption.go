// Package crypto encrypts broker credentials at rest with AES-256-GCM.
// Ciphertext carries a key-version prefix ("ENC[vN]:...") so rows written
// under an old master key stay readable after rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// versionedCipher seals and opens values under one master key version.
type versionedCipher struct {
	aead    cipher.AEAD
	version int
}

func newVersionedCipher(key []byte, version int) (*versionedCipher, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &versionedCipher{aead: aead, version: version}, nil
}

// seal returns "ENC[vN]:" + base64(nonce || ciphertext).
func (c *versionedCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", c.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

func (c *versionedCipher) open(ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		// Deliberately uniform: wrong key and corrupt data are
		// indistinguishable to the caller.
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// parseVersion extracts N from "ENC[vN]:...", returning 0 on any malformed
// input.
func parseVersion(ciphertext string) int {
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
