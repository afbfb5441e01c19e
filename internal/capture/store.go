// Package capture keeps a bounded replay buffer of each session's output and
// mirrors it to disk for readers in other processes.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/fileutil"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
)

const (
	DefaultCapacity      = 200
	DefaultFlushInterval = 2 * time.Second
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FlushError reports a session buffer that could not be written to disk.
type FlushError struct {
	SessionID string
	Err       error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush session %s: %v", e.SessionID, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Output is the in-memory replay of a session.
type Output struct {
	Lines   []string `json:"lines"`
	Count   int      `json:"count"`
	Partial string   `json:"partial,omitempty"`
}

type buffer struct {
	ring    *RingBuffer
	partial string
	dirty   bool
}

// Store holds one RingBuffer per session.
type Store struct {
	mu sync.Mutex

	// writeMu orders render and write together so an older snapshot never
	// lands on disk after a newer one.
	writeMu sync.Mutex

	dir      string
	capacity int
	buffers  map[string]*buffer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewStore creates a store writing logs under dir. m may be nil.
func NewStore(dir string, capacity int, logger *zap.Logger, m *metrics.Metrics) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:      dir,
		capacity: capacity,
		buffers:  make(map[string]*buffer),
		logger:   logger,
		metrics:  m,
	}
}

// Path returns the log file for a session.
func (s *Store) Path(sessionID string) string {
	return LogPath(s.dir, sessionID)
}

// LogPath returns the log file for a session under dir.
func LogPath(dir, sessionID string) string {
	name := unsafeNameChars.ReplaceAllString(sessionID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	return filepath.Join(dir, name+".log")
}

func (s *Store) get(sessionID string) *buffer {
	b, ok := s.buffers[sessionID]
	if !ok {
		b = &buffer{ring: NewRingBuffer(s.capacity)}
		s.buffers[sessionID] = b
	}
	return b
}

// Append adds cleaned, non-blank lines to a session's buffer and records the
// line still being written.
func (s *Store) Append(sessionID string, lines []string, partial string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(sessionID)
	for _, l := range lines {
		b.ring.Write(l)
	}
	if len(lines) > 0 || partial != b.partial {
		b.partial = partial
		b.dirty = true
	}
}

// ReadOutput returns the in-memory buffer for a session. Unknown sessions
// yield an empty Output.
func (s *Store) ReadOutput(sessionID string) Output {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[sessionID]
	if !ok {
		return Output{Lines: []string{}}
	}
	lines := b.ring.ReadAll()
	return Output{Lines: lines, Count: len(lines), Partial: strings.TrimSpace(b.partial)}
}

// Flush synchronously writes one session's buffer to disk.
func (s *Store) Flush(sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.flushOne(sessionID)
}

// flushOne renders and writes one buffer. Caller holds s.writeMu.
func (s *Store) flushOne(sessionID string) error {
	s.mu.Lock()
	b, ok := s.buffers[sessionID]
	var data []byte
	if ok {
		data = render(b)
		b.dirty = false
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.write(sessionID, data); err != nil {
		s.markDirty(sessionID)
		return err
	}
	return nil
}

// FlushAll writes every buffer, dirty or not. Used on shutdown.
func (s *Store) FlushAll() error {
	return s.flush(false)
}

// flushDirty writes only the buffers that changed since their last flush.
func (s *Store) flushDirty() error {
	return s.flush(true)
}

func (s *Store) flush(onlyDirty bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	pending := make(map[string][]byte, len(s.buffers))
	for id, b := range s.buffers {
		if onlyDirty && !b.dirty {
			continue
		}
		pending[id] = render(b)
		b.dirty = false
	}
	s.mu.Unlock()

	var firstErr error
	for id, data := range pending {
		if err := s.write(id, data); err != nil {
			s.markDirty(id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Discard flushes a session one last time and drops its buffer.
func (s *Store) Discard(sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.flushOne(sessionID)

	s.mu.Lock()
	delete(s.buffers, sessionID)
	s.mu.Unlock()
	return err
}

// Run flushes dirty buffers every interval until ctx is done, then flushes
// everything once more.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.FlushAll(); err != nil {
				s.logger.Warn("final flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			// Failures are logged in write and retried on the next tick.
			_ = s.flushDirty()
		}
	}
}

func (s *Store) markDirty(sessionID string) {
	s.mu.Lock()
	if b, ok := s.buffers[sessionID]; ok {
		b.dirty = true
	}
	s.mu.Unlock()
}

func (s *Store) write(sessionID string, data []byte) error {
	err := fileutil.AtomicWriteFile(s.Path(sessionID), data, 0o644)
	if err == nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.FlushFailures.Inc()
	}
	ferr := &FlushError{SessionID: sessionID, Err: err}
	s.logger.Warn("ring buffer flush failed", zap.String("session", sessionID), zap.Error(err))
	return ferr
}

func render(b *buffer) []byte {
	var sb strings.Builder
	for _, l := range b.ring.ReadAll() {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	if p := strings.TrimSpace(b.partial); p != "" {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}
