package plugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDist(t *testing.T, dir string, files map[string][]byte) string {
	t.Helper()
	dist := filepath.Join(dir, DistDir)
	for name, content := range files {
		path := filepath.Join(dist, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dist
}

func TestComputeDistHashDeterministic(t *testing.T) {
	files := map[string][]byte{
		"a.txt":     []byte("hello"),
		"sub/b.bin": {1, 2, 3, 4, 5},
	}
	dist1 := writeDist(t, t.TempDir(), files)
	dist2 := writeDist(t, t.TempDir(), files)

	ref1, count1, bytes1, err := ComputeDistHash(dist1)
	if err != nil {
		t.Fatalf("ComputeDistHash: %v", err)
	}
	ref2, _, _, err := ComputeDistHash(dist2)
	if err != nil {
		t.Fatalf("ComputeDistHash: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("hash not deterministic: %s vs %s", ref1, ref2)
	}
	if !strings.HasPrefix(ref1, HashPrefix) {
		t.Errorf("hash %q lacks prefix %q", ref1, HashPrefix)
	}
	if count1 != 2 {
		t.Errorf("file count = %d, want 2", count1)
	}
	if bytes1 != 10 {
		t.Errorf("total bytes = %d, want 10", bytes1)
	}
}

func TestComputeDistHashSensitivity(t *testing.T) {
	dist := writeDist(t, t.TempDir(), map[string][]byte{
		"a.txt":     []byte("hello"),
		"sub/b.bin": {1, 2, 3, 4, 5},
	})
	before, _, _, err := ComputeDistHash(dist)
	if err != nil {
		t.Fatalf("ComputeDistHash: %v", err)
	}

	// A single appended byte must change the hash.
	f, err := os.OpenFile(filepath.Join(dist, "a.txt"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("!")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	after, _, _, err := ComputeDistHash(dist)
	if err != nil {
		t.Fatalf("ComputeDistHash: %v", err)
	}
	if before == after {
		t.Error("hash unchanged after appending a byte")
	}
}

func TestComputeDistHashRejectsSymlinks(t *testing.T) {
	dir := t.TempDir()
	dist := writeDist(t, dir, map[string][]byte{"a.txt": []byte("x")})
	if err := os.Symlink(filepath.Join(dist, "a.txt"), filepath.Join(dist, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, _, _, err := ComputeDistHash(dist); err == nil {
		t.Error("expected error for symlink in dist tree")
	}
}

func TestValidateHashRef(t *testing.T) {
	valid := HashPrefix + strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"missing prefix", strings.Repeat("ab", 32), true},
		{"short", HashPrefix + "abcd", true},
		{"not hex", HashPrefix + strings.Repeat("zz", 32), true},
		{"uppercase", HashPrefix + strings.Repeat("AB", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHashRef(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHashRef(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
		})
	}
}
