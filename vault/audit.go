package vault

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Audit actions.
const (
	AuditInitialize = "initialize"
	AuditAdd        = "add"
	AuditGet        = "get"
	AuditList       = "list"
	AuditRemove     = "remove"
	AuditRotate     = "rotate"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditLog appends JSON-lines entries to a file. Sequence numbers are
// strictly monotonic per vault instance, continuing from the existing file.
type AuditLog struct {
	mu  sync.Mutex
	f   *os.File
	seq uint64
}

// OpenAudit opens (or creates) the audit log at path.
func OpenAudit(path string) (*AuditLog, error) {
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLog{f: f, seq: seq}, nil
}

func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var seq uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Seq > seq {
			seq = e.Seq
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scanning audit log %s: %w", path, err)
	}
	return seq, nil
}

// Append writes one entry. The sequence number and timestamp are assigned
// here, under the log's lock.
func (a *AuditLog) Append(actor, action, targetID string, success bool, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	e := AuditEntry{
		Seq:       a.seq,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		TargetID:  targetID,
		Success:   success,
		Reason:    reason,
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
