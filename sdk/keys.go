package sdk

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	publicKeyPEMType  = "ED25519 PUBLIC KEY"
	privateKeyPEMType = "ED25519 PRIVATE KEY"
)

// EncodePublicKeyPEM renders a public key as a raw-bytes PEM block,
// the form the server's keyring loader accepts.
func EncodePublicKeyPEM(pub ed25519.PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: pub})
}

// EncodePrivateKeyPEM renders a private key as a raw-bytes PEM block.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: priv})
}

// ParsePrivateKey decodes a PEM private key written by
// EncodePrivateKeyPEM.
func ParsePrivateKey(pemData []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: got %d bytes, want %d", len(block.Bytes), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// LoadPrivateKey reads and decodes a PEM private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return ParsePrivateKey(data)
}

// WriteKeyPair generates a key pair and writes <name>.key (0600) and
// <name>.pub into dir, returning the written paths.
func WriteKeyPair(dir, name string) (privPath, pubPath string, err error) {
	pub, priv, err := GenerateKey()
	if err != nil {
		return "", "", err
	}
	privPath = filepath.Join(dir, name+".key")
	pubPath = filepath.Join(dir, name+".pub")
	if err := os.WriteFile(privPath, EncodePrivateKeyPEM(priv), 0o600); err != nil {
		return "", "", fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(pubPath, EncodePublicKeyPEM(pub), 0o644); err != nil {
		return "", "", fmt.Errorf("writing public key: %w", err)
	}
	return privPath, pubPath, nil
}
