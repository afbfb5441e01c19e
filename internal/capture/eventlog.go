package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/fileutil"
)

const (
	DefaultEventLogMax  = 10000
	DefaultEventLogKeep = 5000
)

// EventKind labels a line in the session event log.
type EventKind string

const (
	EventSpawn  EventKind = "spawn"
	EventExit   EventKind = "exit"
	EventKill   EventKind = "kill"
	EventRemove EventKind = "remove"
	EventReap   EventKind = "reap"
	EventError  EventKind = "error"
)

// EventLog is the append-only, human-readable diagnostics log of session
// lifecycle events. Once it grows past max lines it is cut back to the most
// recent keep lines.
type EventLog struct {
	mu    sync.Mutex
	path  string
	lines int
	max   int
	keep  int
	now   func() time.Time
}

// OpenEventLog prepares the log at path, counting any lines already there.
func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	n, err := countLines(path)
	if err != nil {
		return nil, err
	}
	return &EventLog{
		path:  path,
		lines: n,
		max:   DefaultEventLogMax,
		keep:  DefaultEventLogKeep,
		now:   time.Now,
	}, nil
}

// Path returns the log file location.
func (l *EventLog) Path() string {
	return l.path
}

// Record appends one line: timestamp, kind, session and sorted key=value
// details.
func (l *EventLog) Record(kind EventKind, sessionID string, details map[string]any) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.format(kind, sessionID, details)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("append event log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}

	l.lines++
	if l.lines > l.max {
		return l.rotate()
	}
	return nil
}

func (l *EventLog) format(kind EventKind, sessionID string, details map[string]any) string {
	var sb strings.Builder
	sb.WriteString(l.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, " [%s] session=%s", kind, sessionID)

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(details[k])
		if strings.ContainsAny(v, " \t\n\"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&sb, " %s=%s", k, v)
	}
	sb.WriteByte('\n')
	return sb.String()
}

// rotate keeps only the most recent keep lines. Caller holds l.mu.
func (l *EventLog) rotate() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	lines := bytes.SplitAfter(data, []byte{'\n'})
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) > l.keep {
		lines = lines[len(lines)-l.keep:]
	}
	if err := fileutil.AtomicWriteFile(l.path, bytes.Join(lines, nil), 0o644); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	l.lines = len(lines)
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan event log: %w", err)
	}
	return n, nil
}
