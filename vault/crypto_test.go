package vault

import (
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptField(t *testing.T) {
	key := testKey(7)
	tests := []struct {
		name  string
		plain string
	}{
		{"simple", "hunter2"},
		{"empty", ""},
		{"block sized", strings.Repeat("a", 16)},
		{"long unicode", strings.Repeat("пароль-", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := encryptField(key, tt.plain)
			if err != nil {
				t.Fatalf("encryptField: %v", err)
			}
			if !strings.Contains(stored, ":") {
				t.Fatalf("stored form %q missing iv separator", stored)
			}
			got, err := decryptField(key, stored)
			if err != nil {
				t.Fatalf("decryptField: %v", err)
			}
			if got != tt.plain {
				t.Errorf("decryptField = %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestEncryptFieldUniqueIV(t *testing.T) {
	key := testKey(1)
	a, err := encryptField(key, "same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	b, err := encryptField(key, "same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions produced identical stored forms; iv not random")
	}
}

func TestDecryptFieldErrors(t *testing.T) {
	key := testKey(2)
	valid, err := encryptField(key, "secret")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		key    []byte
		stored string
	}{
		{"wrong key", testKey(3), valid},
		{"short key", []byte("short"), valid},
		{"no separator", key, "AAAA"},
		{"bad base64 iv", key, "!!!:" + strings.Split(valid, ":")[1]},
		{"truncated body", key, strings.Split(valid, ":")[0] + ":AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decryptField(tt.key, tt.stored); err == nil {
				t.Error("decryptField succeeded, want error")
			}
		})
	}
}
