// Package realtime exposes the session registry to the UI: a WebSocket
// command/event channel, REST endpoints and the metrics exposition.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/blocks"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/protocol"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/session"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufCap    = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Sessions is the registry surface the server drives.
type Sessions interface {
	Spawn(req session.SpawnRequest) (*session.Session, error)
	Write(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Kill(id string) error
	ReadOutput(id string) (capture.Output, error)
	Blocks(id string) ([]blocks.Block, error)
	Get(id string) (*session.Session, error)
	GetAll() []*session.Session
	SetActive(id string) error
	Broadcast(data []byte) int
	Remove(id string) error
	Subscribe() (string, <-chan session.Event)
	Unsubscribe(subID string)
}

// Options configures a Server.
type Options struct {
	StaticDir string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Server manages WebSocket connections and routes messages between
// clients and the session registry.
type Server struct {
	sessions  Sessions
	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	subID string
	done  chan struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a server and starts relaying registry events to clients.
func New(sessions Sessions, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		sessions:  sessions,
		clients:   make(map[*client]bool),
		staticDir: opts.StaticDir,
		logger:    opts.Logger.Named("realtime"),
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
	}

	subID, events := sessions.Subscribe()
	s.subID = subID
	go s.relay(events)
	return s
}

// Close stops relaying events. Connected clients are left to the HTTP server.
func (s *Server) Close() {
	s.sessions.Unsubscribe(s.subID)
	<-s.done
}

// relay turns registry events into protocol messages for every client.
func (s *Server) relay(events <-chan session.Event) {
	defer close(s.done)
	for ev := range events {
		msg, err := eventMessage(ev)
		if err != nil {
			s.logger.Warn("encode event", zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		if msg != nil {
			s.broadcast(msg)
		}
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleSpawnSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /sessions/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("GET /sessions/{id}/blocks", s.handleBlocks)
	mux.HandleFunc("POST /sessions/{id}/active", s.handleSetActive)
	mux.HandleFunc("POST /sessions/{id}/kill", s.handleKill)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleRemove)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufCap),
		server: s,
	}

	// Queue the snapshot before the client can receive live events.
	s.sendSessionList(c)

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	all := s.sessions.GetAll()
	payload := protocol.SessionListPayload{Sessions: make([]protocol.SessionUpdatePayload, 0, len(all))}
	for _, sess := range all {
		payload.Sessions = append(payload.Sessions, sessionPayload(sess))
	}
	msg, err := protocol.NewMessage(protocol.TypeSessionList, payload)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue sends msg without blocking; a full client buffer drops it.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.Dec()
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, "", err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionSpawn:
		var p protocol.SessionSpawnPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.sessions.Spawn(spawnRequest(p)); err != nil {
			s.sendError(c, errorCode(err), p.SessionID, err.Error())
		}
		// The registry publishes session.update for the spawn.

	case protocol.TypeSessionWrite:
		var p protocol.SessionWritePayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessions.Write(p.SessionID, []byte(p.Data)); err != nil {
			s.sendError(c, errorCode(err), p.SessionID, err.Error())
		}

	case protocol.TypeSessionResize:
		var p protocol.SessionResizePayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.sessions.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
			s.sendError(c, errorCode(err), p.SessionID, err.Error())
		}

	case protocol.TypeSessionBroadcast:
		var p protocol.BroadcastPayload
		json.Unmarshal(msg.Payload, &p)
		s.sessions.Broadcast([]byte(p.Data))

	case protocol.TypeSessionReadOutput:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		out, err := s.sessions.ReadOutput(p.SessionID)
		if err != nil {
			s.sendError(c, errorCode(err), p.SessionID, err.Error())
			return
		}
		resp, err := protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: p.SessionID,
			Lines:     out.Lines,
			Count:     out.Count,
			Partial:   out.Partial,
		})
		if err == nil {
			c.enqueue(resp)
		}

	case protocol.TypeSessionKill, protocol.TypeSessionSetActive, protocol.TypeSessionRemove:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		var err error
		switch msg.Type {
		case protocol.TypeSessionKill:
			err = s.sessions.Kill(p.SessionID)
		case protocol.TypeSessionSetActive:
			err = s.sessions.SetActive(p.SessionID)
		default:
			err = s.sessions.Remove(p.SessionID)
		}
		if err != nil {
			s.sendError(c, errorCode(err), p.SessionID, err.Error())
		}
	}
}

func spawnRequest(p protocol.SessionSpawnPayload) session.SpawnRequest {
	return session.SpawnRequest{
		ID:      p.SessionID,
		WorkDir: p.WorkDir,
		Label:   p.Label,
		Color:   p.Color,
		Cols:    p.Cols,
		Rows:    p.Rows,
		Env:     p.Env,
	}
}

// errorCode maps registry errors to protocol error codes.
func errorCode(err error) string {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	case errors.Is(err, session.ErrInvalidSize):
		return protocol.ErrInvalidSize
	case errors.As(err, &spawnErr):
		return protocol.ErrSpawnFailed
	default:
		return protocol.ErrInvalidMessage
	}
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendError(c *client, code, sessionID, message string) {
	msg, err := protocol.NewSessionErrorMessage(code, sessionID, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}
