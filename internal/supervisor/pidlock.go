package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/fileutil"
)

// ErrCorruptRecord is returned when the PID record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt pid record")

// PidEntry is one live shell as persisted for orphan recovery.
type PidEntry struct {
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// PidLock persists the set of live shells. It is advisory: after a host crash
// an entry may name a pid that has since been recycled.
type PidLock struct {
	path string
	lock *flock.Flock
}

// NewPidLock returns a record stored at path. A sibling "<path>.lock" file
// serializes access between processes.
func NewPidLock(path string) *PidLock {
	return &PidLock{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the record location.
func (p *PidLock) Path() string {
	return p.path
}

// Write replaces the record with entries.
func (p *PidLock) Write(entries []PidEntry) error {
	if entries == nil {
		entries = []PidEntry{}
	}
	return p.withLock(func() error {
		if err := fileutil.AtomicWriteJSON(p.path, entries); err != nil {
			return fmt.Errorf("write pid record: %w", err)
		}
		return nil
	})
}

// Read returns the persisted entries. A missing record is empty, not an error.
func (p *PidLock) Read() ([]PidEntry, error) {
	var entries []PidEntry
	err := p.withLock(func() error {
		data, err := os.ReadFile(p.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read pid record: %w", err)
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		return nil
	})
	return entries, err
}

// Remove deletes the record.
func (p *PidLock) Remove() error {
	return p.withLock(func() error {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove pid record: %w", err)
		}
		return nil
	})
}

func (p *PidLock) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid record dir: %w", err)
	}
	if err := p.lock.Lock(); err != nil {
		return fmt.Errorf("lock pid record: %w", err)
	}
	defer func() { _ = p.lock.Unlock() }()
	return fn()
}
