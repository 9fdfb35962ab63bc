package sdk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/scout-hq/scout/plugin"
	"github.com/scout-hq/scout/registry"
)

func TestScaffoldProducesVerifiablePlugin(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "probe")
	m, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{})
	if err != nil {
		t.Fatalf("Scaffold: %v", err)
	}
	if m.ID() != "probe@1.0.0" {
		t.Errorf("id = %q", m.ID())
	}
	if m.Dist.FileCount != 1 {
		t.Errorf("fileCount = %d, want 1", m.Dist.FileCount)
	}

	read, err := plugin.ReadManifest(filepath.Join(dir, plugin.ManifestFile))
	if err != nil {
		t.Fatalf("reading manifest back: %v", err)
	}
	if read.Dist.Hash != m.Dist.Hash {
		t.Errorf("hash on disk = %s, want %s", read.Dist.Hash, m.Dist.Hash)
	}

	if err := Verify(dir, VerifyPolicy{}); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestScaffoldRefusesExistingManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "probe")
	if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{}); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}
	if _, err := Scaffold(dir, "probe", "1.0.1", ScaffoldOptions{}); err == nil {
		t.Error("second scaffold should refuse to overwrite")
	}
}

func TestScaffoldRejectsBadVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "probe")
	if _, err := Scaffold(dir, "probe", "v1", ScaffoldOptions{}); err == nil {
		t.Error("non-semver version should fail manifest validation")
	}
}

func TestVerifyDetectsTamperedDist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "probe")
	if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{}); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}

	entry := filepath.Join(dir, plugin.DistDir, "main.js")
	f, err := os.OpenFile(entry, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening dist file: %v", err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Fatalf("appending: %v", err)
	}
	f.Close()

	err = Verify(dir, VerifyPolicy{})
	if !errors.Is(err, plugin.ErrIntegrity) {
		t.Errorf("Verify = %v, want ErrIntegrity", err)
	}
}

func TestVerifySignaturePolicy(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keyring := plugin.NewKeyring()
	keyring.Add(pub)

	t.Run("unsigned refused when required", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "probe")
		if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{}); err != nil {
			t.Fatalf("Scaffold: %v", err)
		}
		err := Verify(dir, VerifyPolicy{RequireSignature: true, Keyring: keyring})
		if !errors.Is(err, plugin.ErrUnsigned) {
			t.Errorf("Verify = %v, want ErrUnsigned", err)
		}
	})

	t.Run("signed accepted", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "probe")
		if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{Key: priv}); err != nil {
			t.Fatalf("Scaffold: %v", err)
		}
		if err := Verify(dir, VerifyPolicy{RequireSignature: true, Keyring: keyring}); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("untrusted key refused", func(t *testing.T) {
		_, otherPriv, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		dir := filepath.Join(t.TempDir(), "probe")
		if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{Key: otherPriv}); err != nil {
			t.Fatalf("Scaffold: %v", err)
		}
		err = Verify(dir, VerifyPolicy{RequireSignature: true, Keyring: keyring})
		if !errors.Is(err, plugin.ErrBadSignature) {
			t.Errorf("Verify = %v, want ErrBadSignature", err)
		}
	})
}

func TestKeyPEMRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	parsedPriv, err := ParsePrivateKey(EncodePrivateKeyPEM(priv))
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if !bytes.Equal(parsedPriv, priv) {
		t.Error("private key did not survive the round trip")
	}

	parsedPub, err := plugin.ParsePublicKey(EncodePublicKeyPEM(pub))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !bytes.Equal(parsedPub, pub) {
		t.Error("public key did not survive the round trip")
	}
}

func TestWriteKeyPair(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, err := WriteKeyPair(dir, "signing")
	if err != nil {
		t.Fatalf("WriteKeyPair: %v", err)
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	kr, err := plugin.LoadKeyring([]string{pubPath})
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	fp := plugin.SignDistHash(priv, "sha256:00").PublicKeyID
	if _, ok := kr.Find(fp); !ok {
		t.Error("written public key does not match the private key fingerprint")
	}
}

func TestScaffoldedPluginDiscoverable(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "network", "probe")
	if _, err := Scaffold(dir, "probe", "1.0.0", ScaffoldOptions{}); err != nil {
		t.Fatalf("Scaffold: %v", err)
	}

	mgr := plugin.NewManager(root, registry.New(), plugin.Policy{}, plugin.NewKeyring(), nil)
	infos := mgr.Discover()
	if len(infos) != 1 {
		t.Fatalf("discovered %d plugins, want 1", len(infos))
	}
	if infos[0].ID != "probe@1.0.0" || infos[0].State != "validated" {
		t.Errorf("info = %+v", infos[0])
	}
}
