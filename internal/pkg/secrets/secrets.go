package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Mailbox SMTP passwords and DB credentials are stored sealed. The sealing
// format is versioned so key rotation can introduce new schemes later:
//
//	v1:gcm:<base64url(nonce | ciphertext | tag)>
//
// Keys are 32 bytes, accepted as raw 32-byte strings, 64 hex chars, or
// base64url. AES-256-GCM with a random 12-byte nonce.

const (
	keyBytes   = 32
	nonceBytes = 12
	prefixV1   = "v1:gcm:"
)

// ErrNoKey is returned when the required key env var is unset.
var ErrNoKey = fmt.Errorf("secrets: master key not set")

// ParseKey decodes a 32-byte key from hex, base64url, or raw form.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoKey
	}
	if len(s) == 2*keyBytes {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	if k, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(k) == keyBytes {
		return k, nil
	}
	if k, err := base64.URLEncoding.DecodeString(s); err == nil && len(k) == keyBytes {
		return k, nil
	}
	if len(s) == keyBytes {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("secrets: key must be 32 bytes (raw, 64-hex, or base64url)")
}

// MasterKey reads and parses the key from the given env var.
// Binaries that need secrets treat an error here as fatal at startup.
func MasterKey(envVar string) ([]byte, error) {
	k, err := ParseKey(os.Getenv(envVar))
	if err != nil {
		return nil, fmt.Errorf("secrets: %s: %w", envVar, err)
	}
	return k, nil
}

// Encrypt seals plaintext with AES-256-GCM under key.
func Encrypt(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secrets: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: gcm: %w", err)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return prefixV1 + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a v1:gcm ciphertext. Any mutation of the ciphertext fails
// authentication.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, prefixV1) {
		return nil, fmt.Errorf("secrets: unknown ciphertext format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefixV1))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode: %w", err)
	}
	if len(raw) < nonceBytes {
		return nil, fmt.Errorf("secrets: ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	plain, err := gcm.Open(nil, raw[:nonceBytes], raw[nonceBytes:], nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: authentication failed: %w", err)
	}
	return plain, nil
}
