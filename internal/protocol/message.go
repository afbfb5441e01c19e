package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionData     = "session.data"
	TypeSessionExit     = "session.exit"
	TypeSessionError    = "session.error"
	TypeSessionBlocked  = "session.blocked"
	TypeSessionBlock    = "session.block"
	TypeSessionActivity = "session.activity"
	TypeSessionUpdate   = "session.update"
	TypeSessionOutput   = "session.output"
	TypeSessionRemoved  = "session.removed"
	TypeSessionList     = "session.list"
	TypeError           = "error"
)

// Client → Server message types.
const (
	TypeSessionSpawn      = "session.spawn"
	TypeSessionWrite      = "session.write"
	TypeSessionResize     = "session.resize"
	TypeSessionKill       = "session.kill"
	TypeSessionReadOutput = "session.readOutput"
	TypeSessionSetActive  = "session.setActive"
	TypeSessionBroadcast  = "session.broadcast"
	TypeSessionRemove     = "session.remove"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrInvalidSize     = "INVALID_SIZE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrSpawnFailed     = "SPAWN_FAILED"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Alive     bool   `json:"alive"`
	PID       int    `json:"pid,omitempty"`
	WorkDir   string `json:"workDir"`
	Label     string `json:"label,omitempty"`
	Color     string `json:"color,omitempty"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Activity  string `json:"activity,omitempty"`
	Icon      string `json:"icon,omitempty"`
	Blocked   string `json:"blocked,omitempty"`
	HasError  bool   `json:"hasError"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

type SessionListPayload struct {
	Sessions []SessionUpdatePayload `json:"sessions"`
}

// SessionDataPayload carries raw terminal output. Invalid UTF-8 is replaced
// by U+FFFD when encoded.
type SessionDataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type SessionBlockedPayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type SessionActivityPayload struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
	Icon      string `json:"icon"`
}

type SessionBlockPayload struct {
	SessionID string       `json:"sessionId"`
	Block     CommandBlock `json:"block"`
}

// CommandBlock is one committed command and its output.
type CommandBlock struct {
	Command   string   `json:"command"`
	Output    []string `json:"output"`
	Timestamp string   `json:"timestamp"`
	HasError  bool     `json:"hasError"`
}

type SessionOutputPayload struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
	Count     int      `json:"count"`
	Partial   string   `json:"partial,omitempty"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionSpawnPayload struct {
	SessionID string            `json:"sessionId,omitempty"`
	WorkDir   string            `json:"workDir,omitempty"`
	Label     string            `json:"label,omitempty"`
	Color     string            `json:"color,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type SessionWritePayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type BroadcastPayload struct {
	Data string `json:"data"`
}

// SessionIDPayload is used by kill, readOutput, setActive and remove, and by
// the server for session.error and session.removed.
type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
