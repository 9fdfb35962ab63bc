package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockFile is the well-known lock name next to the manifest.
const LockFile = "mcp-plugin.lock.json"

// Lock records the dist metadata observed at load time. Validation
// recomputes the dist and any mismatch is drift.
type Lock struct {
	ObservedDist   Dist      `json:"observed_dist"`
	LockedAt       time.Time `json:"lockedAt"`
	KeyFingerprint string    `json:"keyFingerprint,omitempty"`
}

// ReadLock loads a lock file. A missing file returns (nil, nil): the plugin
// has simply never been loaded.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock: %w", err)
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing lock %s: %w", path, err)
	}
	return &l, nil
}

// WriteLock persists the lock atomically via temp file and rename, so a
// crash mid-write never leaves a truncated lock behind.
func WriteLock(path string, l *Lock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*")
	if err != nil {
		return fmt.Errorf("creating temp lock: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp lock: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming lock into place: %w", err)
	}
	return nil
}

// ValidateLock compares a previously written lock against the current dist
// observation. Any difference in hash, file count, or total size is drift.
func ValidateLock(l *Lock, current Dist) error {
	if l == nil {
		return nil
	}
	if l.ObservedDist.Hash != current.Hash {
		return fmt.Errorf("%w: dist hash changed since lock (locked %s, now %s)", ErrDrift, l.ObservedDist.Hash, current.Hash)
	}
	if l.ObservedDist.FileCount != current.FileCount {
		return fmt.Errorf("%w: dist file count changed since lock (locked %d, now %d)", ErrDrift, l.ObservedDist.FileCount, current.FileCount)
	}
	if l.ObservedDist.TotalBytes != current.TotalBytes {
		return fmt.Errorf("%w: dist size changed since lock (locked %d, now %d)", ErrDrift, l.ObservedDist.TotalBytes, current.TotalBytes)
	}
	return nil
}
