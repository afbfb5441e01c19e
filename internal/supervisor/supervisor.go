// Package supervisor owns the OS shell processes behind sessions: one
// interactive shell per session on its own pseudo-terminal, its output pushed
// to a Sink as it arrives, and a persisted PID record so shells leaked by an
// unclean shutdown can be reclaimed on the next start.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	readBufSize  = 32 * 1024
	drainTimeout = 500 * time.Millisecond
	killGrace    = 500 * time.Millisecond
)

// ErrNoShell is returned when no usable shell executable can be found.
var ErrNoShell = errors.New("no usable shell found")

// SpawnError is returned when a shell could not be started. The session is
// left without a process; spawning again is the recovery path.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn session %s: %v", e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Sink receives everything a session's process produces. OnData and OnExit
// for one session are called from that session's goroutines only; calls for
// different sessions run concurrently.
type Sink interface {
	OnData(sessionID string, data []byte)
	// OnExit reports a process that ended on its own. It is not called for
	// processes ended by Kill or replaced by a second Spawn.
	OnExit(sessionID string, exitCode int)
}

// SpawnOptions configures a new shell.
type SpawnOptions struct {
	Cols    int
	Rows    int
	WorkDir string
	// Env holds extra variables (task context) for the child only.
	Env map[string]string
}

// ProcessInfo describes a live handle.
type ProcessInfo struct {
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Shell     string    `json:"shell"`
	StartedAt time.Time `json:"startedAt"`
}

type handle struct {
	sessionID string
	shell     string
	cmd       *exec.Cmd
	ptmx      *os.File
	pid       int
	startedAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	readDone  chan struct{} // closed when the output reader returns
	exited    chan struct{} // closed once cmd.Wait has returned
}

func (h *handle) closePTY() {
	h.closeOnce.Do(func() { _ = h.ptmx.Close() })
}

// Config configures a Supervisor.
type Config struct {
	Shell       string        // preferred shell; falls back to $SHELL and common paths
	PidFile     string        // PID record location
	OrphanGrace time.Duration // SIGTERM→SIGKILL window during orphan recovery
}

// Supervisor spawns, resizes and kills session shells.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*handle

	// spawnMu makes kill, start and register one step. persistMu keeps
	// record writes in snapshot order.
	spawnMu   sync.Mutex
	persistMu sync.Mutex

	sink        Sink
	shell       string
	orphanGrace time.Duration
	pidLock     *PidLock
	events      *capture.EventLog
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates a supervisor delivering output to sink. events and m may be nil.
func New(cfg Config, sink Sink, events *capture.EventLog, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	grace := cfg.OrphanGrace
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	return &Supervisor{
		handles:     make(map[string]*handle),
		sink:        sink,
		shell:       cfg.Shell,
		orphanGrace: grace,
		pidLock:     NewPidLock(cfg.PidFile),
		events:      events,
		logger:      logger.Named("supervisor"),
		metrics:     m,
	}
}

// SetSink replaces the output receiver. It must be called before Spawn.
func (s *Supervisor) SetSink(sink Sink) {
	s.sink = sink
}

// ResolveShell returns the first executable among preferred, $SHELL and the
// common system shells.
func ResolveShell(preferred string) (string, error) {
	candidates := []string{preferred, os.Getenv("SHELL"), "/bin/zsh", "/bin/bash", "/bin/sh"}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", ErrNoShell
}

// Spawn starts a shell for sessionID and returns its pid. A live shell already
// registered under the same id is killed and replaced.
func (s *Supervisor) Spawn(sessionID string, opts SpawnOptions) (int, error) {
	s.spawnMu.Lock()
	pid, err := s.spawn(sessionID, opts)
	s.spawnMu.Unlock()
	if err != nil {
		if s.metrics != nil {
			s.metrics.SpawnFailures.Inc()
		}
		s.record(capture.EventError, sessionID, map[string]any{"op": "spawn", "err": err.Error()})
		s.logger.Warn("spawn failed", zap.String("session", sessionID), zap.Error(err))
		return 0, &SpawnError{SessionID: sessionID, Err: err}
	}
	return pid, nil
}

func (s *Supervisor) spawn(sessionID string, opts SpawnOptions) (int, error) {
	shell, err := ResolveShell(s.shell)
	if err != nil {
		return 0, err
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
		if workDir == "" {
			workDir = os.TempDir()
		}
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return 0, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("working directory is not a directory: %s", workDir)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	// One handle per id: a second spawn replaces the first.
	s.Kill(sessionID)

	cmd := exec.Command(shell)
	cmd.Dir = workDir
	cmd.Env = childEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return 0, fmt.Errorf("start pty: %w", err)
	}

	h := &handle{
		sessionID: sessionID,
		shell:     shell,
		cmd:       cmd,
		ptmx:      ptmx,
		pid:       cmd.Process.Pid,
		startedAt: time.Now().UTC(),
		readDone:  make(chan struct{}),
		exited:    make(chan struct{}),
	}

	s.mu.Lock()
	old := s.handles[sessionID]
	s.handles[sessionID] = h
	s.mu.Unlock()
	s.persist()

	// A Kill racing the start may have cleared the id already; anything else
	// still registered here must not outlive the swap.
	if old != nil {
		s.terminate(old)
		s.record(capture.EventKill, sessionID, map[string]any{"pid": old.pid, "reason": "replaced"})
	}

	if s.metrics != nil {
		s.metrics.SpawnsTotal.Inc()
	}
	s.record(capture.EventSpawn, sessionID, map[string]any{
		"pid": h.pid, "shell": shell, "cwd": workDir, "cols": cols, "rows": rows,
	})
	s.logger.Info("shell started",
		zap.String("session", sessionID), zap.Int("pid", h.pid), zap.String("shell", shell), zap.String("cwd", workDir))

	go s.readLoop(h)
	go s.waitLoop(h)

	return h.pid, nil
}

// childEnv builds the child environment: the parent's, TERM, then extra in
// key order. The parent's own environment is never modified.
func childEnv(extra map[string]string) []string {
	env := append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// readLoop pushes PTY output to the sink until the PTY closes.
func (s *Supervisor) readLoop(h *handle) {
	defer close(h.readDone)

	buf := make([]byte, readBufSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			if s.metrics != nil {
				s.metrics.OutputBytes.Add(float64(n))
			}
			// Output from a killed or replaced process is dropped.
			if s.current(h) && s.sink != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				s.sink.OnData(h.sessionID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and reports a natural exit.
func (s *Supervisor) waitLoop(h *handle) {
	err := h.cmd.Wait()
	close(h.exited)
	code := exitCode(err)

	// Let the reader deliver what the shell printed last.
	select {
	case <-h.readDone:
	case <-time.After(drainTimeout):
	}
	h.closePTY()

	s.mu.Lock()
	natural := s.handles[h.sessionID] == h
	if natural {
		delete(s.handles, h.sessionID)
	}
	s.mu.Unlock()

	if !natural {
		return
	}
	s.persist()

	if s.metrics != nil {
		s.metrics.ExitsTotal.Inc()
	}
	s.record(capture.EventExit, h.sessionID, map[string]any{"pid": h.pid, "code": code})
	s.logger.Info("shell exited", zap.String("session", h.sessionID), zap.Int("pid", h.pid), zap.Int("code", code))

	if s.sink != nil {
		s.sink.OnExit(h.sessionID, code)
	}
}

func (s *Supervisor) current(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[h.sessionID] == h
}

func (s *Supervisor) get(sessionID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[sessionID]
}

// Write forwards input to the session's shell. Input for a session without a
// live process is dropped.
func (s *Supervisor) Write(sessionID string, data []byte) {
	h := s.get(sessionID)
	if h == nil {
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.ptmx.Write(data); err != nil {
		s.logger.Debug("write dropped", zap.String("session", sessionID), zap.Error(err))
	}
}

// Resize changes the PTY window size. Failures are expected while a process
// is exiting and are only logged.
func (s *Supervisor) Resize(sessionID string, cols, rows int) {
	h := s.get(sessionID)
	if h == nil || cols <= 0 || rows <= 0 {
		return
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		s.logger.Debug("resize dropped", zap.String("session", sessionID), zap.Error(err))
	}
}

// Kill terminates the session's shell. Killing a session without a live
// process does nothing.
func (s *Supervisor) Kill(sessionID string) {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	if ok {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.persist()
	s.terminate(h)

	s.record(capture.EventKill, sessionID, map[string]any{"pid": h.pid})
	s.logger.Info("shell killed", zap.String("session", sessionID), zap.Int("pid", h.pid))
}

// terminate hangs up the shell's process group, then SIGKILLs it if it is
// still running after killGrace. The PTY is closed right away so the reader
// returns.
func (s *Supervisor) terminate(h *handle) {
	_ = signalGroup(h.pid, unix.SIGHUP)
	h.closePTY()

	go func() {
		t := time.NewTimer(killGrace)
		defer t.Stop()
		select {
		case <-h.exited:
		case <-t.C:
			_ = signalGroup(h.pid, unix.SIGKILL)
		}
	}()
}

// Alive reports whether the session has a live process.
func (s *Supervisor) Alive(sessionID string) bool {
	return s.get(sessionID) != nil
}

// PID returns the session's process id, or 0 without a live process.
func (s *Supervisor) PID(sessionID string) int {
	if h := s.get(sessionID); h != nil {
		return h.pid
	}
	return 0
}

// List returns the live handles ordered by session id.
func (s *Supervisor) List() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ProcessInfo, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, ProcessInfo{SessionID: h.sessionID, PID: h.pid, Shell: h.shell, StartedAt: h.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Shutdown kills every shell and deletes the PID record.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		handles = append(handles, h)
		delete(s.handles, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.terminate(h)
		s.record(capture.EventKill, h.sessionID, map[string]any{"pid": h.pid, "reason": "shutdown"})
	}
	if s.metrics != nil {
		s.metrics.SessionsLive.Set(0)
	}
	if err := s.pidLock.Remove(); err != nil {
		s.logger.Warn("remove pid record", zap.Error(err))
	}
}

// persist rewrites the PID record from the current handles.
func (s *Supervisor) persist() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	entries := make([]PidEntry, 0, len(s.handles))
	for _, h := range s.handles {
		entries = append(entries, PidEntry{SessionID: h.sessionID, PID: h.pid, Timestamp: h.startedAt})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionID < entries[j].SessionID })
	if s.metrics != nil {
		s.metrics.SessionsLive.Set(float64(len(entries)))
	}
	if err := s.pidLock.Write(entries); err != nil {
		s.logger.Warn("persist pid record", zap.Error(err))
	}
}

// record appends to the event log. A failed write never affects the shell.
func (s *Supervisor) record(kind capture.EventKind, sessionID string, details map[string]any) {
	if err := s.events.Record(kind, sessionID, details); err != nil {
		s.logger.Debug("event log write failed",
			zap.String("kind", string(kind)), zap.String("session", sessionID), zap.Error(err))
	}
}
