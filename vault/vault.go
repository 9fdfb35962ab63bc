package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/scout-hq/scout/metrics"
)

// CredentialType enumerates the supported credential kinds.
type CredentialType string

const (
	TypePassword    CredentialType = "password"
	TypeAPIKey      CredentialType = "apiKey"
	TypeSSHKey      CredentialType = "sshKey"
	TypeOAuthToken  CredentialType = "oauthToken"
	TypeCertificate CredentialType = "certificate"
	TypeCustom      CredentialType = "custom"
)

var (
	// ErrNotFound reports a missing credential id.
	ErrNotFound = errors.New("credential not found")
	// ErrExists reports an id collision on Add.
	ErrExists = errors.New("credential already exists")
	// ErrBadType reports an unsupported credential type.
	ErrBadType = errors.New("unsupported credential type")
)

// Credential is the stored (encrypted) form of one record.
type Credential struct {
	ID        string            `json:"id"`
	Type      CredentialType    `json:"type"`
	Username  string            `json:"username,omitempty"`
	URL       string            `json:"url,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Secrets   map[string]string `json:"secrets"`
	KeyID     string            `json:"key_id"`
	CreatedAt time.Time         `json:"created_at"`
}

// Metadata is the non-sensitive view returned by List.
type Metadata struct {
	ID        string         `json:"id"`
	Type      CredentialType `json:"type"`
	Username  string         `json:"username,omitempty"`
	URL       string         `json:"url,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Decrypted is the plaintext view returned by Get.
type Decrypted struct {
	ID        string            `json:"id"`
	Type      CredentialType    `json:"type"`
	Username  string            `json:"username,omitempty"`
	URL       string            `json:"url,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Secrets   map[string]string `json:"secrets"`
	CreatedAt time.Time         `json:"created_at"`
}

// AddRequest carries the inputs of Add.
type AddRequest struct {
	ID       string
	Type     CredentialType
	Username string
	URL      string
	Notes    string
	Secrets  map[string]string
}

// Vault is the encrypted credential store. A single mutex serialises all
// mutations; key rotation holds it for its full duration.
type Vault struct {
	mu        sync.Mutex
	storePath string
	keyring   *Keyring
	records   map[string]*Credential
	audit     *AuditLog
	actor     string
	masterKey []byte // optional, injected via option
}

// Option configures Open.
type Option func(*Vault)

// WithMasterKey supplies a base64-encoded 32-byte master key (typically from
// MCP_CREDS_KEY). An invalid value surfaces as an Open error.
func WithMasterKey(encoded string) Option {
	return func(v *Vault) {
		if encoded == "" {
			return
		}
		material, err := decodeKey(encoded)
		if err != nil {
			v.masterKey = []byte{} // wrong size, caught in Open
			return
		}
		v.masterKey = material
	}
}

// WithActor sets the audit actor name (default "server").
func WithActor(actor string) Option {
	return func(v *Vault) { v.actor = actor }
}

// Open loads or initialises the vault under dataDir. When no key history
// exists, the injected master key (or a generated one) becomes the active
// key and is persisted.
func Open(dataDir string, opts ...Option) (*Vault, error) {
	v := &Vault{
		storePath: filepath.Join(dataDir, "credentials.json"),
		records:   make(map[string]*Credential),
		actor:     "server",
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.masterKey != nil && len(v.masterKey) != KeySize {
		return nil, ErrBadKeySize
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	kr, err := LoadKeyring(filepath.Join(dataDir, "keys.json"))
	if err != nil {
		return nil, err
	}
	v.keyring = kr
	if err := v.ensureActiveKey(); err != nil {
		return nil, err
	}

	if err := v.loadStore(); err != nil {
		return nil, err
	}

	audit, err := OpenAudit(filepath.Join(dataDir, "audit.log"))
	if err != nil {
		return nil, err
	}
	v.audit = audit
	v.logAudit(AuditInitialize, "", true, "")
	return v, nil
}

// ensureActiveKey guarantees exactly one active key, honouring an injected
// master key: if it matches a historical key that key is promoted, otherwise
// it joins the history as the new active key.
func (v *Vault) ensureActiveKey() error {
	if v.masterKey != nil {
		for _, k := range v.keyring.All() {
			if string(k.Material) == string(v.masterKey) {
				if k.Status != KeyStatusActive {
					if err := v.keyring.promote(k.ID); err != nil {
						return err
					}
					return v.keyring.Save()
				}
				return nil
			}
		}
		if _, err := v.keyring.add(v.masterKey, KeyStatusActive); err != nil {
			return err
		}
		return v.keyring.Save()
	}

	if _, err := v.keyring.Active(); err == nil {
		return nil
	}
	material, err := newKeyMaterial()
	if err != nil {
		return err
	}
	if _, err := v.keyring.add(material, KeyStatusActive); err != nil {
		return err
	}
	return v.keyring.Save()
}

func (v *Vault) loadStore() error {
	data, err := os.ReadFile(v.storePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading credential store: %w", err)
	}
	if err := json.Unmarshal(data, &v.records); err != nil {
		return fmt.Errorf("parsing credential store: %w", err)
	}
	return nil
}

// saveStoreLocked writes the record map atomically. Caller holds v.mu.
func (v *Vault) saveStoreLocked(records map[string]*Credential) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}
	tmp := v.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing credential store: %w", err)
	}
	if err := os.Rename(tmp, v.storePath); err != nil {
		return fmt.Errorf("replacing credential store: %w", err)
	}
	return nil
}

func (v *Vault) logAudit(action, target string, success bool, reason string) {
	metrics.RecordVaultOp(action, success)
	if v.audit == nil {
		return
	}
	if err := v.audit.Append(v.actor, action, target, success, reason); err != nil {
		// The operation already happened; an audit write failure must not
		// undo it, only surface loudly.
		fmt.Fprintf(os.Stderr, "vault: audit append failed: %v\n", err)
	}
}

func validType(t CredentialType) bool {
	switch t {
	case TypePassword, TypeAPIKey, TypeSSHKey, TypeOAuthToken, TypeCertificate, TypeCustom:
		return true
	}
	return false
}

// Add encrypts and stores a new credential.
func (v *Vault) Add(req AddRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.ID == "" {
		v.logAudit(AuditAdd, req.ID, false, "empty id")
		return errors.New("credential id must not be empty")
	}
	if !validType(req.Type) {
		v.logAudit(AuditAdd, req.ID, false, "bad type")
		return fmt.Errorf("%w: %q", ErrBadType, req.Type)
	}
	if _, ok := v.records[req.ID]; ok {
		v.logAudit(AuditAdd, req.ID, false, "duplicate id")
		return fmt.Errorf("%w: %s", ErrExists, req.ID)
	}

	active, err := v.keyring.Active()
	if err != nil {
		v.logAudit(AuditAdd, req.ID, false, err.Error())
		return err
	}

	enc := make(map[string]string, len(req.Secrets))
	for field, plain := range req.Secrets {
		ct, err := encryptField(active.Material, plain)
		if err != nil {
			v.logAudit(AuditAdd, req.ID, false, err.Error())
			return fmt.Errorf("encrypting field %q: %w", field, err)
		}
		enc[field] = ct
	}

	rec := &Credential{
		ID:        req.ID,
		Type:      req.Type,
		Username:  req.Username,
		URL:       req.URL,
		Notes:     req.Notes,
		Secrets:   enc,
		KeyID:     active.ID,
		CreatedAt: time.Now().UTC(),
	}
	v.records[req.ID] = rec
	if err := v.saveStoreLocked(v.records); err != nil {
		delete(v.records, req.ID)
		v.logAudit(AuditAdd, req.ID, false, err.Error())
		return err
	}
	v.logAudit(AuditAdd, req.ID, true, "")
	return nil
}

// Get decrypts and returns one credential. Decryption prefers the key the
// record was written under, then the active key, then the rest of the
// history; failures affect only this record.
func (v *Vault) Get(id string) (*Decrypted, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[id]
	if !ok {
		v.logAudit(AuditGet, id, false, "not found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := &Decrypted{
		ID:        rec.ID,
		Type:      rec.Type,
		Username:  rec.Username,
		URL:       rec.URL,
		Notes:     rec.Notes,
		Secrets:   make(map[string]string, len(rec.Secrets)),
		CreatedAt: rec.CreatedAt,
	}
	for field, stored := range rec.Secrets {
		plain, err := v.decryptWithHistory(rec.KeyID, stored)
		if err != nil {
			v.logAudit(AuditGet, id, false, fmt.Sprintf("field %s: %v", field, err))
			return nil, fmt.Errorf("decrypting field %q of %s: %w", field, id, err)
		}
		out.Secrets[field] = plain
	}
	v.logAudit(AuditGet, id, true, "")
	return out, nil
}

func (v *Vault) decryptWithHistory(preferredKeyID, stored string) (string, error) {
	if k, ok := v.keyring.ByID(preferredKeyID); ok {
		if plain, err := decryptField(k.Material, stored); err == nil {
			return plain, nil
		}
	}
	if active, err := v.keyring.Active(); err == nil && active.ID != preferredKeyID {
		if plain, err := decryptField(active.Material, stored); err == nil {
			return plain, nil
		}
	}
	for _, k := range v.keyring.All() {
		if k.ID == preferredKeyID {
			continue
		}
		if plain, err := decryptField(k.Material, stored); err == nil {
			return plain, nil
		}
	}
	return "", ErrCiphertext
}

// List returns non-sensitive metadata, optionally filtered by type, sorted
// by id.
func (v *Vault) List(typ CredentialType) []Metadata {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []Metadata
	for _, rec := range v.records {
		if typ != "" && rec.Type != typ {
			continue
		}
		out = append(out, Metadata{
			ID:        rec.ID,
			Type:      rec.Type,
			Username:  rec.Username,
			URL:       rec.URL,
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	v.logAudit(AuditList, "", true, "")
	return out
}

// Remove deletes a credential.
func (v *Vault) Remove(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[id]
	if !ok {
		v.logAudit(AuditRemove, id, false, "not found")
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(v.records, id)
	if err := v.saveStoreLocked(v.records); err != nil {
		v.records[id] = rec
		v.logAudit(AuditRemove, id, false, err.Error())
		return err
	}
	v.logAudit(AuditRemove, id, true, "")
	return nil
}

// RotateKey re-encrypts every credential under a new master key. The new key
// joins the history (retired) before any data is rewritten, so at every
// crash point all stored ciphertexts decrypt with some historical key. Only
// after every record re-encrypted and the store was persisted does the new
// key become active. Any failure leaves the store unchanged.
func (v *Vault) RotateKey(newMaterial []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if newMaterial == nil {
		var err error
		if newMaterial, err = newKeyMaterial(); err != nil {
			v.logAudit(AuditRotate, "", false, err.Error())
			return err
		}
	}
	if len(newMaterial) != KeySize {
		v.logAudit(AuditRotate, "", false, "bad key size")
		return ErrBadKeySize
	}

	// Phase 1: the new key enters the history as retired.
	newKey, err := v.keyring.add(newMaterial, KeyStatusRetired)
	if err != nil {
		v.logAudit(AuditRotate, "", false, err.Error())
		return err
	}
	if err := v.keyring.Save(); err != nil {
		v.keyring.remove(newKey.ID)
		v.logAudit(AuditRotate, "", false, err.Error())
		return err
	}

	abort := func(reason error) error {
		v.keyring.remove(newKey.ID)
		if err := v.keyring.Save(); err != nil {
			v.logAudit(AuditRotate, "", false, fmt.Sprintf("abort cleanup: %v", err))
			return errors.Join(reason, err)
		}
		v.logAudit(AuditRotate, "", false, reason.Error())
		return reason
	}

	// Phase 2: re-encrypt everything into a staging copy.
	staged := make(map[string]*Credential, len(v.records))
	for id, rec := range v.records {
		copied := *rec
		copied.Secrets = make(map[string]string, len(rec.Secrets))
		for field, stored := range rec.Secrets {
			plain, err := v.decryptWithHistory(rec.KeyID, stored)
			if err != nil {
				return abort(fmt.Errorf("rotating %s field %q: %w", id, field, err))
			}
			ct, err := encryptField(newMaterial, plain)
			if err != nil {
				return abort(fmt.Errorf("rotating %s field %q: %w", id, field, err))
			}
			copied.Secrets[field] = ct
		}
		copied.KeyID = newKey.ID
		staged[id] = &copied
	}

	// Phase 3: persist the staged store, then flip the active key.
	if err := v.saveStoreLocked(staged); err != nil {
		return abort(err)
	}
	if err := v.keyring.promote(newKey.ID); err != nil {
		v.logAudit(AuditRotate, "", false, err.Error())
		return err
	}
	if err := v.keyring.Save(); err != nil {
		v.logAudit(AuditRotate, "", false, err.Error())
		return err
	}
	v.records = staged
	v.logAudit(AuditRotate, "", true, "")
	return nil
}

// Count returns the number of stored credentials.
func (v *Vault) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.records)
}

// Close releases the audit log.
func (v *Vault) Close() error {
	if v.audit == nil {
		return nil
	}
	return v.audit.Close()
}
