package plugin

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/schema"
)

func testFactory(h *Host) error {
	h.AddTool(registry.Tool{
		Name:        "echo",
		Description: "echo a message",
		InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
			"message": schema.String("text to echo"),
		})),
		Handler: func(_ context.Context, args map[string]any) (*protocol.CallToolResult, error) {
			msg, _ := args["message"].(string)
			return protocol.NewToolResultText(msg), nil
		},
	})
	return nil
}

// scaffold writes a valid plugin directory under root and returns its dir.
func scaffold(t *testing.T, root, category, name string, sign *ed25519.PrivateKey) string {
	t.Helper()
	dir := filepath.Join(root, category, name+"@1.0.0")
	writeDist(t, dir, map[string][]byte{
		"a.txt":     []byte("hello"),
		"sub/b.bin": {1, 2, 3, 4, 5},
	})
	ref, count, bytes, err := ComputeDistHash(filepath.Join(dir, DistDir))
	if err != nil {
		t.Fatalf("ComputeDistHash: %v", err)
	}
	m := &Manifest{
		ManifestVersion:    ManifestVersion,
		Name:               name,
		Version:            "1.0.0",
		Entry:              "test-factory",
		DependenciesPolicy: PolicyBundledOnly,
		Dist:               Dist{Hash: ref, FileCount: count, TotalBytes: bytes},
	}
	if sign != nil {
		m.Signature = SignDistHash(*sign, ref)
	}
	if err := WriteManifest(filepath.Join(dir, ManifestFile), m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	return dir
}

func newTestManager(t *testing.T, root string, policy Policy, keyring *Keyring) *Manager {
	t.Helper()
	return NewManager(root, registry.New(), policy, keyring, map[string]Factory{
		"test-factory": testFactory,
	})
}

func TestLifecycle(t *testing.T) {
	root := t.TempDir()
	scaffold(t, root, "network", "probe", nil)

	mgr := newTestManager(t, root, Policy{}, nil)
	infos := mgr.Discover()
	if len(infos) != 1 {
		t.Fatalf("discovered %d plugins, want 1", len(infos))
	}
	id := infos[0].ID
	if id != "probe@1.0.0" {
		t.Errorf("plugin id = %q, want probe@1.0.0", id)
	}
	if infos[0].State != "validated" {
		t.Fatalf("state after discover = %s, want validated", infos[0].State)
	}

	if err := mgr.Load(id); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Activate(id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, ok := mgr.reg.LookupTool("echo"); !ok {
		t.Error("activated plugin tool not in registry")
	}
	if err := mgr.Deactivate(id); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, ok := mgr.reg.LookupTool("echo"); ok {
		t.Error("deactivated plugin tool still in registry")
	}
	if err := mgr.Activate(id); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if err := mgr.Deactivate(id); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := mgr.Unload(id); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if info, _ := mgr.Lookup(id); info.State != "unloaded" {
		t.Errorf("state after unload = %s, want unloaded", info.State)
	}

	// Lock file written on load.
	if _, err := os.Stat(filepath.Join(root, "network", "probe@1.0.0", LockFile)); err != nil {
		t.Errorf("lock file missing after load: %v", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	root := t.TempDir()
	scaffold(t, root, "network", "probe", nil)
	mgr := newTestManager(t, root, Policy{}, nil)
	mgr.Discover()

	tests := []struct {
		name string
		op   func() error
	}{
		{"activate before load", func() error { return mgr.Activate("probe@1.0.0") }},
		{"deactivate before load", func() error { return mgr.Deactivate("probe@1.0.0") }},
		{"unload before load", func() error { return mgr.Unload("probe@1.0.0") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, ErrIllegalState) {
				t.Errorf("error = %v, want ErrIllegalState", err)
			}
		})
	}

	if err := mgr.Load("nope@1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load unknown = %v, want ErrNotFound", err)
	}
}

func TestDriftAfterLoad(t *testing.T) {
	root := t.TempDir()
	dir := scaffold(t, root, "network", "probe", nil)
	mgr := newTestManager(t, root, Policy{}, nil)
	mgr.Discover()
	if err := mgr.Load("probe@1.0.0"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Unload("probe@1.0.0"); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	// Append a byte: next validation must flag drift against the lock,
	// via the manifest hash mismatch surfacing as an integrity error.
	f, err := os.OpenFile(filepath.Join(dir, DistDir, "a.txt"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("!")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	err = mgr.Revalidate("probe@1.0.0")
	if !errors.Is(err, ErrIntegrity) && !errors.Is(err, ErrDrift) {
		t.Fatalf("Revalidate after byte change = %v, want integrity or drift error", err)
	}
	if info, _ := mgr.Lookup("probe@1.0.0"); info.State != "failed" {
		t.Errorf("state = %s, want failed", info.State)
	}
}

func TestLockDriftDetection(t *testing.T) {
	current := Dist{Hash: HashPrefix + "aa", FileCount: 2, TotalBytes: 10}
	tests := []struct {
		name    string
		lock    *Lock
		wantErr bool
	}{
		{"nil lock passes", nil, false},
		{"matching lock passes", &Lock{ObservedDist: current}, false},
		{"hash drift", &Lock{ObservedDist: Dist{Hash: HashPrefix + "bb", FileCount: 2, TotalBytes: 10}}, true},
		{"count drift", &Lock{ObservedDist: Dist{Hash: HashPrefix + "aa", FileCount: 3, TotalBytes: 10}}, true},
		{"size drift", &Lock{ObservedDist: Dist{Hash: HashPrefix + "aa", FileCount: 2, TotalBytes: 11}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLock(tt.lock, current)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLock error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDrift) {
				t.Errorf("error = %v, want ErrDrift", err)
			}
		})
	}
}

func TestSignaturePolicy(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	t.Run("unsigned refused", func(t *testing.T) {
		root := t.TempDir()
		scaffold(t, root, "network", "probe", nil)
		kr := NewKeyring()
		kr.Add(pub)
		mgr := newTestManager(t, root, Policy{RequireSignature: true}, kr)
		mgr.Discover()

		err := mgr.Load("probe@1.0.0")
		if !errors.Is(err, ErrUnsigned) {
			t.Fatalf("Load = %v, want ErrUnsigned", err)
		}
		info, _ := mgr.Lookup("probe@1.0.0")
		if info.State != "failed" {
			t.Errorf("state = %s, want failed", info.State)
		}
		if info.LastError == "" {
			t.Error("last_error empty after unsigned refusal")
		}
		if len(mgr.reg.ListTools()) != 0 {
			t.Error("tools registered despite unsigned refusal")
		}
	})

	t.Run("signed accepted", func(t *testing.T) {
		root := t.TempDir()
		scaffold(t, root, "network", "probe", &priv)
		kr := NewKeyring()
		kr.Add(pub)
		mgr := newTestManager(t, root, Policy{RequireSignature: true}, kr)
		mgr.Discover()
		if err := mgr.Load("probe@1.0.0"); err != nil {
			t.Fatalf("Load signed: %v", err)
		}
	})

	t.Run("untrusted key refused", func(t *testing.T) {
		root := t.TempDir()
		scaffold(t, root, "network", "probe", &priv)
		mgr := newTestManager(t, root, Policy{RequireSignature: true}, NewKeyring())
		mgr.Discover()
		if err := mgr.Load("probe@1.0.0"); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("Load = %v, want ErrBadSignature", err)
		}
	})

	t.Run("tampered signature refused", func(t *testing.T) {
		root := t.TempDir()
		dir := scaffold(t, root, "network", "probe", &priv)
		m, err := ReadManifest(filepath.Join(dir, ManifestFile))
		if err != nil {
			t.Fatalf("ReadManifest: %v", err)
		}
		m.Signature.Value = "AAAA" + m.Signature.Value[4:]
		if err := WriteManifest(filepath.Join(dir, ManifestFile), m); err != nil {
			t.Fatalf("WriteManifest: %v", err)
		}
		kr := NewKeyring()
		kr.Add(pub)
		mgr := newTestManager(t, root, Policy{RequireSignature: true}, kr)
		mgr.Discover()
		if err := mgr.Load("probe@1.0.0"); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("Load = %v, want ErrBadSignature", err)
		}
	})
}

func TestManifestValidationCollectsErrors(t *testing.T) {
	m := &Manifest{
		ManifestVersion:    "1",
		Version:            "not-semver",
		DependenciesPolicy: "anything-goes",
		Dist:               Dist{Hash: "md5:nope"},
	}
	err := m.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"manifestVersion", "name is required", "semver", "entry is required", "dependenciesPolicy", "dist.hash"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q:\n%v", want, err)
		}
	}
}
