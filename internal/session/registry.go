package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/blocks"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/stream"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

const (
	defaultSubscriberBufCap = 256
	DefaultMaxSessions      = 32
)

var (
	// ErrNotFound is returned for ids the registry does not know.
	ErrNotFound = errors.New("session not found")
	// ErrMaxSessions is returned when spawning would exceed the live limit.
	ErrMaxSessions = errors.New("maximum session limit reached")
	// ErrInvalidSize is returned by Resize for non-positive dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)

// Processes is the process side of a session, normally *supervisor.Supervisor.
type Processes interface {
	Spawn(sessionID string, opts supervisor.SpawnOptions) (int, error)
	Write(sessionID string, data []byte)
	Resize(sessionID string, cols, rows int)
	Kill(sessionID string)
	Shutdown()
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	MaxSessions  int
	HistoryLimit int
	Classifier   *stream.Classifier
	Events       *capture.EventLog
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// entry is the registry's state for one session. mu guards sess; proc and
// seg are only driven from the session's reader goroutine.
type entry struct {
	mu      sync.Mutex
	sess    Session
	proc    *stream.Processor
	seg     *blocks.Segmenter
	removed  bool // set by Remove; later output is dropped
	spawning bool // counts toward the live limit until the spawn settles
}

func (e *entry) snapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	return &s
}

// Registry maps session ids to their process, output pipeline and derived
// state, and fans events out to subscribers. It implements supervisor.Sink.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	activeID string

	subMu       sync.RWMutex
	subscribers map[string]chan Event

	procs       Processes
	capture     *capture.Store
	classifier  *stream.Classifier
	maxSessions int
	historyCap  int
	events      *capture.EventLog
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(procs Processes, store *capture.Store, opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Classifier == nil {
		opts.Classifier = stream.NewClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		sessions:    make(map[string]*entry),
		subscribers: make(map[string]chan Event),
		procs:       procs,
		capture:     store,
		classifier:  opts.Classifier,
		maxSessions: opts.MaxSessions,
		historyCap:  opts.HistoryLimit,
		events:      opts.Events,
		logger:      opts.Logger.Named("registry"),
		metrics:     opts.Metrics,
	}
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Spawn starts a shell for req.ID, creating the session on first use. An id
// with a live shell gets a fresh one. The session survives a failed spawn with
// Alive=false.
func (r *Registry) Spawn(req SpawnRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	live := 0
	for otherID, other := range r.sessions {
		other.mu.Lock()
		if otherID != id && (other.sess.Alive || other.spawning) {
			live++
		}
		other.mu.Unlock()
	}
	if live >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, r.maxSessions)
	}
	e, exists := r.sessions[id]
	if !exists {
		e = &entry{sess: Session{ID: id, Status: StatusIdle, CreatedAt: time.Now().UTC()}}
		r.sessions[id] = e
	}
	e.mu.Lock()
	e.spawning = true
	e.proc = stream.NewProcessor(r.classifier)
	if e.seg == nil {
		e.seg = blocks.NewSegmenter(r.historyCap)
	}
	if req.WorkDir != "" || !exists {
		e.sess.WorkDir = req.WorkDir
	}
	if req.Label != "" {
		e.sess.Label = req.Label
	}
	if req.Color != "" {
		e.sess.Color = req.Color
	}
	e.mu.Unlock()
	r.mu.Unlock()

	pid, err := r.procs.Spawn(id, supervisor.SpawnOptions{
		Cols:    req.Cols,
		Rows:    req.Rows,
		WorkDir: req.WorkDir,
		Env:     req.Env,
	})

	e.mu.Lock()
	e.spawning = false
	if err == nil && e.removed {
		e.mu.Unlock()
		// Removed mid-spawn. A newer entry under the same id owns the shell
		// slot if one exists.
		r.mu.Lock()
		if _, reused := r.sessions[id]; !reused {
			r.procs.Kill(id)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		e.sess.Alive = false
		e.sess.PID = 0
	} else {
		e.sess.Alive = true
		e.sess.PID = pid
		e.sess.Status = StatusIdle
		e.sess.HasError = false
		e.sess.Blocked = ""
		e.sess.Activity = stream.Activity{}
		e.sess.Cols, e.sess.Rows = orDefault(req.Cols, supervisor.DefaultCols), orDefault(req.Rows, supervisor.DefaultRows)
	}
	snap := e.sess
	e.mu.Unlock()

	r.publish(Event{Type: EventStatus, SessionID: id, Session: &snap})
	if err != nil {
		return &snap, err
	}
	r.logger.Info("session spawned", zap.String("session", id), zap.Int("pid", pid))
	return &snap, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Write sends input to a session's shell.
func (r *Registry) Write(id string, data []byte) error {
	if _, err := r.get(id); err != nil {
		return err
	}
	r.procs.Write(id, data)
	return nil
}

// Resize changes a session's terminal size.
func (r *Registry) Resize(id string, cols, rows int) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	e.mu.Lock()
	e.sess.Cols, e.sess.Rows = cols, rows
	e.mu.Unlock()
	r.procs.Resize(id, cols, rows)
	return nil
}

// Kill ends a session's shell but keeps the session so it can be respawned.
func (r *Registry) Kill(id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	r.procs.Kill(id)

	e.mu.Lock()
	changed := e.sess.Alive
	e.sess.Alive = false
	e.sess.PID = 0
	if changed {
		e.sess.Status = StatusDone
	}
	snap := e.sess
	e.mu.Unlock()

	r.flush(id)
	if changed {
		r.publish(Event{Type: EventStatus, SessionID: id, Session: &snap})
	}
	return nil
}

// ReadOutput returns the replay buffer of a session.
func (r *Registry) ReadOutput(id string) (capture.Output, error) {
	if _, err := r.get(id); err != nil {
		return capture.Output{}, err
	}
	return r.capture.ReadOutput(id), nil
}

// Blocks returns the committed command blocks of a session, oldest first.
func (r *Registry) Blocks(id string) ([]blocks.Block, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	seg := e.seg
	e.mu.Unlock()
	if seg == nil {
		return []blocks.Block{}, nil
	}
	return seg.History(), nil
}

// Get returns a copy of one session.
func (r *Registry) Get(id string) (*Session, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// GetAll returns copies of every session ordered by creation time.
func (r *Registry) GetAll() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		result = append(result, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ActiveID returns the active session id, or "" when none is active.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// SetActive makes id the only active session. Looking at a session
// acknowledges it: its error, activity and blocked flags are cleared.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var changed []*Session
	if prev, ok := r.sessions[r.activeID]; ok && r.activeID != id {
		prev.mu.Lock()
		prev.sess.Active = false
		s := prev.sess
		prev.mu.Unlock()
		changed = append(changed, &s)
	}
	r.activeID = id
	changed = append(changed, activate(e))
	r.mu.Unlock()

	for _, s := range changed {
		r.publish(Event{Type: EventStatus, SessionID: s.ID, Session: s})
	}
	return nil
}

func activate(e *entry) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Active = true
	e.sess.HasError = false
	e.sess.Activity = stream.Activity{}
	e.sess.Blocked = ""
	if e.sess.Status == StatusError {
		e.sess.Status = StatusIdle
	}
	s := e.sess
	return &s
}

// Broadcast writes data to every live session and returns how many received it.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.sess.Alive {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.procs.Write(id, data)
	}
	return len(ids)
}

// Remove kills a session's shell and forgets the session. If it was active,
// another session (or none) becomes active.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	var next *Session
	if r.activeID == id {
		r.activeID = ""
		ids := make([]string, 0, len(r.sessions))
		for other := range r.sessions {
			ids = append(ids, other)
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			r.activeID = ids[0]
			next = activate(r.sessions[ids[0]])
		}
	}
	r.mu.Unlock()

	// Output already inside OnData finishes its append before this returns;
	// anything later sees removed and never reaches the capture store.
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	r.procs.Kill(id)
	if err := r.capture.Discard(id); err != nil {
		r.logger.Warn("final flush failed", zap.String("session", id), zap.Error(err))
	}

	if err := r.events.Record(capture.EventRemove, id, nil); err != nil {
		r.logger.Debug("event log write failed", zap.String("session", id), zap.Error(err))
	}
	r.logger.Info("session removed", zap.String("session", id))

	r.publish(Event{Type: EventRemoved, SessionID: id})
	if next != nil {
		r.publish(Event{Type: EventStatus, SessionID: next.ID, Session: next})
	}
	return nil
}

// OnData runs one output chunk through the session's pipeline.
func (r *Registry) OnData(id string, data []byte) {
	e, err := r.get(id)
	if err != nil {
		return
	}
	r.publish(Event{Type: EventData, SessionID: id, Data: data})

	// ActiveID takes r.mu, which must never be acquired under e.mu.
	active := r.ActiveID() == id

	e.mu.Lock()
	if e.removed || e.proc == nil {
		e.mu.Unlock()
		return
	}
	res := e.proc.Process(data)
	r.capture.Append(id, res.Lines, res.Partial)
	block, committed := e.seg.Feed(res)
	sig := res.Signals

	var pending []Event
	before := e.sess
	if sig.Error {
		e.sess.HasError = true
		e.sess.Status = StatusError
		pending = append(pending, Event{Type: EventError, SessionID: id})
	} else if e.sess.Status != StatusError {
		switch {
		case sig.Prompt:
			e.sess.Status = StatusIdle
		case strings.TrimSpace(res.Clean) != "":
			e.sess.Status = StatusWorking
		}
	}

	if sig.Blocked {
		prompt := strings.TrimSpace(res.LastLine)
		if !active && prompt != e.sess.Blocked {
			e.sess.Blocked = prompt
			pending = append(pending, Event{Type: EventBlocked, SessionID: id, Prompt: prompt})
		}
	} else if sig.Prompt || len(res.Lines) > 0 {
		e.sess.Blocked = ""
	}

	if !sig.Activity.IsZero() && sig.Activity != e.sess.Activity {
		e.sess.Activity = sig.Activity
		pending = append(pending, Event{Type: EventActivity, SessionID: id, Activity: sig.Activity})
	}
	after := e.sess
	e.mu.Unlock()

	if committed {
		b := block
		pending = append(pending, Event{Type: EventBlock, SessionID: id, Block: &b})
	}
	if before.Status != after.Status || before.HasError != after.HasError || before.Blocked != after.Blocked {
		pending = append(pending, Event{Type: EventStatus, SessionID: id, Session: &after})
	}

	for _, ev := range pending {
		r.count(ev.Type)
		r.publish(ev)
	}
}

func (r *Registry) count(t EventType) {
	if r.metrics == nil {
		return
	}
	switch t {
	case EventError:
		r.metrics.ErrorsDetected.Inc()
	case EventBlocked:
		r.metrics.BlockedPrompts.Inc()
	case EventBlock:
		r.metrics.BlocksCommitted.Inc()
	}
}

// OnExit records a shell that ended on its own.
func (r *Registry) OnExit(id string, exitCode int) {
	e, err := r.get(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.sess.Alive = false
	e.sess.PID = 0
	e.sess.Status = StatusDone
	snap := e.sess
	e.mu.Unlock()

	r.flush(id)
	r.logger.Info("session exited", zap.String("session", id), zap.Int("code", exitCode))

	r.publish(Event{Type: EventExit, SessionID: id, ExitCode: exitCode})
	r.publish(Event{Type: EventStatus, SessionID: id, Session: &snap})
}

func (r *Registry) flush(id string) {
	if err := r.capture.Flush(id); err != nil {
		r.logger.Warn("flush failed", zap.String("session", id), zap.Error(err))
	}
}

// Subscribe registers a receiver for every registry event. Slow receivers
// miss events rather than stall the sessions.
func (r *Registry) Subscribe() (string, <-chan Event) {
	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	r.subMu.Lock()
	r.subscribers[subID] = ch
	r.subMu.Unlock()

	return subID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Registry) Unsubscribe(subID string) {
	r.subMu.Lock()
	if ch, exists := r.subscribers[subID]; exists {
		close(ch)
		delete(r.subscribers, subID)
	}
	r.subMu.Unlock()
}

// publish sends an event to all subscribers.
func (r *Registry) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// Shutdown ends every shell, flushes all output and closes subscriptions.
func (r *Registry) Shutdown() {
	r.procs.Shutdown()
	if err := r.capture.FlushAll(); err != nil {
		r.logger.Warn("final flush failed", zap.Error(err))
	}

	r.mu.Lock()
	for _, e := range r.sessions {
		e.mu.Lock()
		e.sess.Alive = false
		e.sess.PID = 0
		e.mu.Unlock()
	}
	r.mu.Unlock()

	r.subMu.Lock()
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	r.subMu.Unlock()
}
