package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Key statuses. Exactly one key is active at any time; retired keys remain
// in the history so older ciphertexts stay readable.
const (
	KeyStatusActive  = "active"
	KeyStatusRetired = "retired"
)

// ErrNoActiveKey reports a keyring without an active key.
var ErrNoActiveKey = errors.New("keyring has no active key")

// Key is one master-key record.
type Key struct {
	ID        string    `json:"key_id"`
	Material  []byte    `json:"material"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// Keyring is the ordered master-key history backed by a JSON file.
type Keyring struct {
	path string
	keys []Key
}

// LoadKeyring reads the key history at path. A missing file yields an empty
// keyring.
func LoadKeyring(path string) (*Keyring, error) {
	kr := &Keyring{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return kr, nil
		}
		return nil, fmt.Errorf("reading keyring %s: %w", path, err)
	}
	var stored struct {
		Keys []Key `json:"keys"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing keyring %s: %w", path, err)
	}
	kr.keys = stored.Keys
	for _, k := range kr.keys {
		if len(k.Material) != KeySize {
			return nil, fmt.Errorf("key %s: %w", k.ID, ErrBadKeySize)
		}
	}
	return kr, nil
}

// Save writes the keyring atomically with owner-only permissions.
func (kr *Keyring) Save() error {
	if err := os.MkdirAll(filepath.Dir(kr.path), 0o700); err != nil {
		return fmt.Errorf("creating keyring dir: %w", err)
	}
	data, err := json.MarshalIndent(struct {
		Keys []Key `json:"keys"`
	}{kr.keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}
	tmp := kr.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := os.Rename(tmp, kr.path); err != nil {
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}

// Active returns the single active key.
func (kr *Keyring) Active() (*Key, error) {
	for i := range kr.keys {
		if kr.keys[i].Status == KeyStatusActive {
			return &kr.keys[i], nil
		}
	}
	return nil, ErrNoActiveKey
}

// ByID looks a key up by id.
func (kr *Keyring) ByID(id string) (*Key, bool) {
	for i := range kr.keys {
		if kr.keys[i].ID == id {
			return &kr.keys[i], true
		}
	}
	return nil, false
}

// All returns the key history, oldest first.
func (kr *Keyring) All() []Key {
	out := make([]Key, len(kr.keys))
	copy(out, kr.keys)
	return out
}

// add appends a key record; status active demotes the previous active key.
func (kr *Keyring) add(material []byte, status string) (*Key, error) {
	if len(material) != KeySize {
		return nil, ErrBadKeySize
	}
	if status == KeyStatusActive {
		for i := range kr.keys {
			if kr.keys[i].Status == KeyStatusActive {
				kr.keys[i].Status = KeyStatusRetired
			}
		}
	}
	kr.keys = append(kr.keys, Key{
		ID:        uuid.NewString(),
		Material:  append([]byte(nil), material...),
		CreatedAt: time.Now().UTC(),
		Status:    status,
	})
	return &kr.keys[len(kr.keys)-1], nil
}

// promote makes the key with the given id active and retires the rest.
func (kr *Keyring) promote(id string) error {
	found := false
	for i := range kr.keys {
		if kr.keys[i].ID == id {
			kr.keys[i].Status = KeyStatusActive
			found = true
		} else if kr.keys[i].Status == KeyStatusActive {
			kr.keys[i].Status = KeyStatusRetired
		}
	}
	if !found {
		return fmt.Errorf("key %s not in keyring", id)
	}
	return nil
}

// remove drops the key with the given id.
func (kr *Keyring) remove(id string) {
	out := kr.keys[:0]
	for _, k := range kr.keys {
		if k.ID != id {
			out = append(out, k)
		}
	}
	kr.keys = out
}

// newKeyMaterial returns 32 random bytes.
func newKeyMaterial() ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return material, nil
}

// decodeKey parses a base64-encoded 32-byte master key.
func decodeKey(encoded string) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(material) != KeySize {
		return nil, ErrBadKeySize
	}
	return material, nil
}
