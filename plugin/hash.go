package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DistDir is the deployable subtree of a plugin directory.
const DistDir = "dist"

// HashPrefix tags dist hashes on the wire and in manifests.
const HashPrefix = "sha256:"

// ValidateHashRef checks the "sha256:<hex>" reference format.
func ValidateHashRef(ref string) error {
	if !strings.HasPrefix(ref, HashPrefix) {
		return fmt.Errorf("dist.hash %q must start with %q", ref, HashPrefix)
	}
	hexPart := strings.TrimPrefix(ref, HashPrefix)
	if len(hexPart) != sha256.Size*2 {
		return fmt.Errorf("dist.hash %q: want %d hex chars, got %d", ref, sha256.Size*2, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("dist.hash %q is not hex: %v", ref, err)
	}
	if hexPart != strings.ToLower(hexPart) {
		return fmt.Errorf("dist.hash %q must be lowercase", ref)
	}
	return nil
}

// ComputeDistHash walks dir, collects the relative POSIX paths of every
// regular file, sorts them lexicographically, and feeds SHA-256 with, per
// file: the path bytes, one NUL byte, then the file contents. It returns the
// "sha256:<hex>" reference plus the observed file count and total size.
// Symlinks inside the tree are a validation error; the hash must cover real
// bytes only.
func ComputeDistHash(dir string) (ref string, fileCount int, totalBytes int64, err error) {
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink %s not allowed in dist tree", path)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("irregular file %s not allowed in dist tree", path)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("walking dist tree: %w", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		h.Write([]byte(rel))
		h.Write([]byte{0})
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", 0, 0, fmt.Errorf("opening %s: %w", rel, err)
		}
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", 0, 0, fmt.Errorf("hashing %s: %w", rel, err)
		}
		totalBytes += n
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), len(paths), totalBytes, nil
}
