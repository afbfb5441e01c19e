package session

import (
	"time"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/blocks"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/stream"
)

// Status is the coarse state shown for a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Session holds metadata and derived state for one terminal.
type Session struct {
	ID        string          `json:"id"`
	WorkDir   string          `json:"workDir"`
	Label     string          `json:"label,omitempty"`
	Color     string          `json:"color,omitempty"`
	Status    Status          `json:"status"`
	Alive     bool            `json:"alive"`
	PID       int             `json:"pid,omitempty"`
	Cols      int             `json:"cols"`
	Rows      int             `json:"rows"`
	Activity  stream.Activity `json:"activity"`
	Blocked   string          `json:"blocked,omitempty"`
	HasError  bool            `json:"hasError"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SpawnRequest starts (or restarts) the shell of a session.
type SpawnRequest struct {
	ID      string            `json:"id,omitempty"` // generated when empty
	WorkDir string            `json:"workDir,omitempty"`
	Label   string            `json:"label,omitempty"`
	Color   string            `json:"color,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// EventType distinguishes registry events.
type EventType string

const (
	EventData     EventType = "data"
	EventExit     EventType = "exit"
	EventError    EventType = "error-detected"
	EventBlocked  EventType = "blocked-on-input"
	EventBlock    EventType = "command-block-committed"
	EventActivity EventType = "activity"
	EventStatus   EventType = "status"
	EventRemoved  EventType = "removed"
)

// Event is published to every subscriber. Only the fields relevant to Type
// are set.
type Event struct {
	Type      EventType
	SessionID string
	Data      []byte
	ExitCode  int
	Prompt    string
	Block     *blocks.Block
	Activity  stream.Activity
	Session   *Session
	Timestamp time.Time
}
