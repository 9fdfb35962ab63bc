// Package sdk is the plugin authoring kit: it produces valid plugin
// directories (dist tree, manifest, lock, optional signature) and
// verifies existing ones against the same rules the server's plugin
// manager enforces. `scout plugin init` and `scout plugin validate`
// are thin wrappers over this package.
package sdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scout-hq/scout/plugin"
)

// ComputeDist hashes the dist tree of a plugin directory.
func ComputeDist(pluginDir string) (plugin.Dist, error) {
	hash, count, bytes, err := plugin.ComputeDistHash(filepath.Join(pluginDir, plugin.DistDir))
	if err != nil {
		return plugin.Dist{}, err
	}
	return plugin.Dist{Hash: hash, FileCount: count, TotalBytes: bytes}, nil
}

// BuildManifest computes the dist hash of pluginDir and assembles a
// validated manifest. The manifest is not written to disk.
func BuildManifest(pluginDir, name, version, entry, policy string) (*plugin.Manifest, error) {
	dist, err := ComputeDist(pluginDir)
	if err != nil {
		return nil, fmt.Errorf("hashing dist: %w", err)
	}
	m := &plugin.Manifest{
		ManifestVersion:    plugin.ManifestVersion,
		Name:               name,
		Version:            version,
		Entry:              entry,
		DependenciesPolicy: policy,
		Dist:               dist,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteManifest writes m as mcp-plugin.json inside pluginDir.
func WriteManifest(pluginDir string, m *plugin.Manifest) error {
	return plugin.WriteManifest(filepath.Join(pluginDir, plugin.ManifestFile), m)
}

// SignManifest attaches an ed25519 signature over the canonical
// dist-hash string.
func SignManifest(m *plugin.Manifest, priv ed25519.PrivateKey) {
	m.Signature = plugin.SignDistHash(priv, m.Dist.Hash)
}

// WriteLock records the manifest's dist as the observed state, the way
// the plugin manager does after a successful load.
func WriteLock(pluginDir string, m *plugin.Manifest) error {
	lock := &plugin.Lock{
		ObservedDist: m.Dist,
		LockedAt:     time.Now().UTC(),
	}
	if m.Signature != nil {
		lock.KeyFingerprint = m.Signature.PublicKeyID
	}
	return plugin.WriteLock(filepath.Join(pluginDir, plugin.LockFile), lock)
}

// VerifyPolicy controls how strict Verify is.
type VerifyPolicy struct {
	// RequireSignature refuses unsigned manifests.
	RequireSignature bool
	// Keyring holds the trusted public keys; nil trusts nothing.
	Keyring *plugin.Keyring
}

// Verify runs the full conformance check over a plugin directory:
// manifest validity, dist integrity, lock agreement, and signature
// verification per policy. The first failure is returned.
func Verify(pluginDir string, policy VerifyPolicy) error {
	m, err := plugin.ReadManifest(filepath.Join(pluginDir, plugin.ManifestFile))
	if err != nil {
		return err
	}

	dist, err := ComputeDist(pluginDir)
	if err != nil {
		return fmt.Errorf("hashing dist: %w", err)
	}
	if dist.Hash != m.Dist.Hash {
		return fmt.Errorf("%w: manifest dist hash %s does not match computed %s",
			plugin.ErrIntegrity, m.Dist.Hash, dist.Hash)
	}
	if dist.FileCount != m.Dist.FileCount || dist.TotalBytes != m.Dist.TotalBytes {
		return fmt.Errorf("%w: manifest dist metadata does not match the tree", plugin.ErrIntegrity)
	}

	lock, err := plugin.ReadLock(filepath.Join(pluginDir, plugin.LockFile))
	if err != nil {
		return err
	}
	if err := plugin.ValidateLock(lock, dist); err != nil {
		return err
	}

	if m.Signature == nil {
		if policy.RequireSignature {
			return fmt.Errorf("%w: manifest for %s carries no signature", plugin.ErrUnsigned, m.ID())
		}
		return nil
	}
	if policy.Keyring == nil {
		return fmt.Errorf("%w: no trusted keys to verify %s", plugin.ErrBadSignature, m.ID())
	}
	key, ok := policy.Keyring.Find(m.Signature.PublicKeyID)
	if !ok {
		return fmt.Errorf("%w: signing key %s is not trusted", plugin.ErrBadSignature, m.Signature.PublicKeyID)
	}
	return plugin.VerifyDistSignature(key.Public, m.Signature, m.Dist.Hash)
}

// ScaffoldOptions parameterise Scaffold.
type ScaffoldOptions struct {
	Entry  string            // default "main.js"
	Policy string            // default bundled-only
	Files  map[string][]byte // dist-relative files; a stub entry file by default
	Key    ed25519.PrivateKey
}

// Scaffold creates a complete plugin directory at pluginDir: the dist
// tree, a validated manifest, a lock, and a signature when a key is
// given. The directory must not already contain a manifest.
func Scaffold(pluginDir, name, version string, opts ScaffoldOptions) (*plugin.Manifest, error) {
	manifestPath := filepath.Join(pluginDir, plugin.ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		return nil, fmt.Errorf("plugin at %s already has a manifest", pluginDir)
	}

	entry := opts.Entry
	if entry == "" {
		entry = "main.js"
	}
	policy := opts.Policy
	if policy == "" {
		policy = plugin.PolicyBundledOnly
	}
	files := opts.Files
	if len(files) == 0 {
		files = map[string][]byte{
			entry: []byte(fmt.Sprintf("// %s %s entry point\n", name, version)),
		}
	}

	for rel, content := range files {
		path := filepath.Join(pluginDir, plugin.DistDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating dist directory: %w", err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, fmt.Errorf("writing dist file %s: %w", rel, err)
		}
	}

	m, err := BuildManifest(pluginDir, name, version, entry, policy)
	if err != nil {
		return nil, err
	}
	if opts.Key != nil {
		SignManifest(m, opts.Key)
	}
	if err := WriteManifest(pluginDir, m); err != nil {
		return nil, err
	}
	if err := WriteLock(pluginDir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GenerateKey creates a fresh ed25519 signing key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	return pub, priv, nil
}
