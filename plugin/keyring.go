package plugin

import (
	"crypto/ed25519"
	"fmt"
	"os"
)

// TrustedKey is one public key the manager accepts manifest signatures from.
type TrustedKey struct {
	Fingerprint string
	Public      ed25519.PublicKey
}

// Keyring is the set of trusted signing keys, looked up by fingerprint.
type Keyring struct {
	keys map[string]TrustedKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]TrustedKey)}
}

// LoadKeyring reads PEM public key files into a keyring. Every path must
// parse; a policy that requires signatures is only as good as its keys.
func LoadKeyring(paths []string) (*Keyring, error) {
	kr := NewKeyring()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading public key %s: %w", path, err)
		}
		pub, err := ParsePublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing public key %s: %w", path, err)
		}
		kr.Add(pub)
	}
	return kr, nil
}

// Add inserts a public key; duplicate fingerprints are collapsed.
func (kr *Keyring) Add(pub ed25519.PublicKey) string {
	fp := KeyFingerprint(pub)
	kr.keys[fp] = TrustedKey{Fingerprint: fp, Public: pub}
	return fp
}

// Find returns the key with the given fingerprint.
func (kr *Keyring) Find(fingerprint string) (TrustedKey, bool) {
	k, ok := kr.keys[fingerprint]
	return k, ok
}

// Len reports how many keys the ring holds.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}
