package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ManifestFile is the well-known manifest name inside a plugin directory.
const ManifestFile = "mcp-plugin.json"

// ManifestVersion is the only manifest revision this manager accepts.
const ManifestVersion = "2"

// Dependency policies a manifest may declare.
const (
	PolicyBundledOnly = "bundled-only"
	PolicyNone        = "none"
)

// Dist describes the content-addressed payload tree of a plugin.
type Dist struct {
	Hash       string `json:"hash"` // "sha256:<hex>"
	FileCount  int    `json:"fileCount"`
	TotalBytes int64  `json:"totalBytes"`
}

// Signature is the optional detached signature block of a manifest. The
// signature covers the canonical dist-hash string.
type Signature struct {
	Algorithm   string `json:"algorithm"`
	PublicKeyID string `json:"publicKeyId"`
	Value       string `json:"value"` // base64
}

// Manifest is the declarative description of a plugin (mcp-plugin.json).
type Manifest struct {
	ManifestVersion    string     `json:"manifestVersion"`
	Name               string     `json:"name"`
	Version            string     `json:"version"`
	Entry              string     `json:"entry"`
	DependenciesPolicy string     `json:"dependenciesPolicy"`
	Dist               Dist       `json:"dist"`
	Signature          *Signature `json:"signature,omitempty"`
}

// ID returns the plugin identity name@version.
func (m *Manifest) ID() string {
	return m.Name + "@" + m.Version
}

// ReadManifest loads and validates a manifest file. Validation problems are
// joined into a single error so the caller sees the full list at once.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}

// Validate checks every required manifest field and collects all failures.
func (m *Manifest) Validate() error {
	var errs []error

	if m.ManifestVersion != ManifestVersion {
		errs = append(errs, fmt.Errorf("manifestVersion must be %q, got %q", ManifestVersion, m.ManifestVersion))
	}
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.Version == "" {
		errs = append(errs, errors.New("version is required"))
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		errs = append(errs, fmt.Errorf("version %q is not strict semver: %v", m.Version, err))
	}
	if strings.TrimSpace(m.Entry) == "" {
		errs = append(errs, errors.New("entry is required"))
	}
	switch m.DependenciesPolicy {
	case PolicyBundledOnly, PolicyNone:
	case "":
		errs = append(errs, errors.New("dependenciesPolicy is required"))
	default:
		errs = append(errs, fmt.Errorf("dependenciesPolicy must be %q or %q, got %q", PolicyBundledOnly, PolicyNone, m.DependenciesPolicy))
	}
	if m.Dist.Hash == "" {
		errs = append(errs, errors.New("dist.hash is required"))
	} else if err := ValidateHashRef(m.Dist.Hash); err != nil {
		errs = append(errs, err)
	}
	if m.Signature != nil {
		if m.Signature.Algorithm == "" {
			errs = append(errs, errors.New("signature.algorithm is required when signature is present"))
		}
		if m.Signature.PublicKeyID == "" {
			errs = append(errs, errors.New("signature.publicKeyId is required when signature is present"))
		}
		if m.Signature.Value == "" {
			errs = append(errs, errors.New("signature.value is required when signature is present"))
		}
	}

	return errors.Join(errs...)
}

// WriteManifest serialises a manifest with stable indentation.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
