// Package vault implements the encrypted credential store: AES-256-CBC
// encryption at rest, an envelope key history with exactly one active key,
// all-or-nothing key rotation, and an append-only audit log.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

var (
	// ErrBadKeySize reports a master key of the wrong length.
	ErrBadKeySize = errors.New("master key must be 32 bytes")
	// ErrCiphertext reports an undecryptable or malformed stored value.
	ErrCiphertext = errors.New("invalid ciphertext")
)

// encryptField encrypts a plaintext secret field with AES-256-CBC under a
// fresh random IV. The stored form is base64(iv) ":" base64(ciphertext).
func encryptField(key []byte, plaintext string) (string, error) {
	if len(key) != KeySize {
		return "", ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// decryptField reverses encryptField.
func decryptField(key []byte, stored string) (string, error) {
	if len(key) != KeySize {
		return "", ErrBadKeySize
	}
	ivB64, ctB64, ok := strings.Cut(stored, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv separator", ErrCiphertext)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrCiphertext, err)
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("%w: body: %v", ErrCiphertext, err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad block sizes", ErrCiphertext)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad padding length", ErrCiphertext)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding byte", ErrCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
