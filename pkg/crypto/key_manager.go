package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// envKeyName is the master key environment variable; rotated keys append
// _V2, _V3, ... and the highest loaded version encrypts new data.
const envKeyName = "MASTER_ENCRYPTION_KEY"

// maxKeyVersions bounds the rotation scan.
const maxKeyVersions = 10

var ErrKeyNotFound = errors.New("encryption key not found")

// KeyManager holds every loaded master key version. Encrypt always uses the
// newest; Decrypt picks the version named in the ciphertext prefix. The
// cipher map is immutable after construction, so no locking is needed.
type KeyManager struct {
	ciphers map[int]*versionedCipher
	current int
}

// NewKeyManager loads master keys from the environment. Version 1 is
// mandatory; the process must not start without a key to protect credentials.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{ciphers: make(map[int]*versionedCipher)}

	if err := km.loadKey(1, envKeyName); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.current = 1

	for v := 2; v <= maxKeyVersions; v++ {
		if err := km.loadKey(v, fmt.Sprintf("%s_V%d", envKeyName, v)); err == nil {
			km.current = v
		}
	}
	return km, nil
}

func (km *KeyManager) loadKey(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	c, err := newVersionedCipher(key, version)
	if err != nil {
		return fmt.Errorf("key version %d: %w", version, err)
	}
	km.ciphers[version] = c
	return nil
}

// Encrypt seals plaintext under the newest key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	return km.ciphers[km.current].seal(plaintext)
}

// Decrypt opens ciphertext with whichever key version produced it.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := parseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	c, ok := km.ciphers[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return c.open(ciphertext)
}

// ReEncrypt rewrites ciphertext under the newest key version, for rotation
// sweeps.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion reports which key version Encrypt will use.
func (km *KeyManager) CurrentVersion() int { return km.current }

// HasVersion reports whether a key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	_, ok := km.ciphers[version]
	return ok
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded for storage
// in the environment.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
