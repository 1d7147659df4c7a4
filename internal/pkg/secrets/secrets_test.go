package secrets

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	plain := []byte("postgres://lead:s3cr3t@db:5432/leads")

	ct, err := Encrypt(plain, key)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if !strings.HasPrefix(ct, "v1:gcm:") {
		t.Errorf("ciphertext prefix = %q, want v1:gcm:", ct[:10])
	}

	got, err := Decrypt(ct, key)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decrypt() = %q, want %q", got, plain)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := testKey()
	ct, err := Encrypt([]byte("hunter2"), key)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	raw, _ := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ct, "v1:gcm:"))
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		tampered := "v1:gcm:" + base64.RawURLEncoding.EncodeToString(mutated)
		if _, err := Decrypt(tampered, key); err == nil {
			t.Fatalf("Decrypt() accepted ciphertext with byte %d flipped", i)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ct, _ := Encrypt([]byte("payload"), testKey())
	other := make([]byte, 32)
	if _, err := Decrypt(ct, other); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestParseKeyForms(t *testing.T) {
	key := testKey()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"hex", hex.EncodeToString(key), false},
		{"base64url", base64.RawURLEncoding.EncodeToString(key), false},
		{"base64url padded", base64.URLEncoding.EncodeToString(key), false},
		{"raw 32 bytes", string(key), false},
		{"empty", "", true},
		{"short", "abc123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, key) {
				t.Errorf("ParseKey(%q) decoded wrong key", tt.name)
			}
		})
	}
}
