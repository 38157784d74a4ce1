package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("err = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestSealOpenToken(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := SealToken(enc, "twitch", "access-123")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "access-123" || strings.Contains(sealed, "access-123") {
		t.Fatalf("token not encrypted: %q", sealed)
	}
	got, err := OpenToken(enc, "twitch", sealed)
	if err != nil || got != "access-123" {
		t.Fatalf("OpenToken = %q, %v", got, err)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := SealToken(enc, "twitch", "same")
	b, _ := SealToken(enc, "twitch", "same")
	if a == b {
		t.Fatal("two seals of the same token produced identical ciphertext")
	}
}

func TestOpenTokenBoundToProvider(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, _ := SealToken(enc, "twitch", "secret")
	if _, err := OpenToken(enc, "youtube", sealed); err == nil {
		t.Fatal("token sealed for twitch opened as youtube")
	}
}

func TestOpenTokenFailures(t *testing.T) {
	enc := newTestEncryptor(t)
	other := newTestEncryptor(t)
	sealed, _ := SealToken(enc, "twitch", "secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name   string
		enc    Encryptor
		sealed string
	}{
		{"wrong key", other, sealed},
		{"tampered", enc, tampered},
		{"not base64", enc, "%%%"},
		{"too short", enc, base64.StdEncoding.EncodeToString([]byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := OpenToken(tt.enc, "twitch", tt.sealed); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEmptyTokenPassthrough(t *testing.T) {
	enc := newTestEncryptor(t)
	if s, err := SealToken(enc, "twitch", ""); s != "" || err != nil {
		t.Fatalf("SealToken empty = %q, %v", s, err)
	}
	if s, err := OpenToken(enc, "twitch", ""); s != "" || err != nil {
		t.Fatalf("OpenToken empty = %q, %v", s, err)
	}
	if _, err := enc.Encrypt(nil, nil); err == nil {
		t.Fatal("Encrypt(nil) should fail")
	}
}
