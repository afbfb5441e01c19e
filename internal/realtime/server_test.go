package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/capture"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/metrics"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/protocol"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/session"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

// echoProcs is a process table whose shells echo their input back.
type echoProcs struct {
	mu    sync.Mutex
	pid   int
	alive map[string]bool
	sink  supervisor.Sink
}

func (e *echoProcs) Spawn(id string, opts supervisor.SpawnOptions) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pid++
	e.alive[id] = true
	return e.pid, nil
}

func (e *echoProcs) Write(id string, data []byte) {
	e.mu.Lock()
	alive := e.alive[id]
	e.mu.Unlock()
	if alive {
		e.sink.OnData(id, data)
	}
}

func (e *echoProcs) Resize(string, int, int) {}

func (e *echoProcs) Kill(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.alive, id)
}

func (e *echoProcs) Shutdown() {}

func newTestServer(t *testing.T) (*Server, *session.Registry) {
	t.Helper()
	procs := &echoProcs{alive: make(map[string]bool)}
	m := metrics.New()
	store := capture.NewStore(t.TempDir(), 100, nil, m)
	reg := session.NewRegistry(procs, store, session.Options{Metrics: m})
	procs.sink = reg

	srv := New(reg, Options{Metrics: m})
	t.Cleanup(srv.Close)
	return srv, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv.Handler(), "GET", "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []protocol.SessionUpdatePayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
	assert.Empty(t, sessions)
}

func TestServer_SpawnSession(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	w := do(t, h, "POST", "/sessions", `{"sessionId":"t1","label":"api","cols":100,"rows":30}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var p protocol.SessionUpdatePayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, "t1", p.ID)
	assert.True(t, p.Alive)
	assert.Equal(t, 100, p.Cols)
	assert.Equal(t, "idle", p.Status)

	sess, err := reg.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "api", sess.Label)

	w = do(t, h, "GET", "/sessions/t1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/sessions", `{"sessionId":"t1"}`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"spawn bad body", "POST", "/sessions", "invalid json", http.StatusBadRequest},
		{"spawn negative", "POST", "/sessions", `{"cols":-1}`, http.StatusBadRequest},
		{"get missing", "GET", "/sessions/nonexistent", "", http.StatusNotFound},
		{"input bad body", "POST", "/sessions/t1/input", "bad", http.StatusBadRequest},
		{"input empty", "POST", "/sessions/t1/input", `{"data":""}`, http.StatusBadRequest},
		{"input missing", "POST", "/sessions/nonexistent/input", `{"data":"ls\n"}`, http.StatusNotFound},
		{"resize zero", "POST", "/sessions/t1/resize", `{"cols":0,"rows":10}`, http.StatusBadRequest},
		{"output missing", "GET", "/sessions/nonexistent/output", "", http.StatusNotFound},
		{"blocks missing", "GET", "/sessions/nonexistent/blocks", "", http.StatusNotFound},
		{"active missing", "POST", "/sessions/nonexistent/active", "", http.StatusNotFound},
		{"kill missing", "POST", "/sessions/nonexistent/kill", "", http.StatusNotFound},
		{"remove missing", "DELETE", "/sessions/nonexistent", "", http.StatusNotFound},
		{"broadcast empty", "POST", "/broadcast", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestServer_InputOutputAndBlocks(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/sessions", `{"sessionId":"t1"}`).Code)

	for _, chunk := range []string{`$ `, `echo hi\r\n`, `hi\r\n`, `$ `} {
		w := do(t, h, "POST", "/sessions/t1/input", `{"data":"`+chunk+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, h, "GET", "/sessions/t1/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out protocol.SessionOutputPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, []string{"$ echo hi", "hi"}, out.Lines)

	w = do(t, h, "GET", "/sessions/t1/blocks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []protocol.CommandBlock
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, "echo hi", history[0].Command)
	assert.Equal(t, []string{"hi"}, history[0].Output)
}

func TestServer_LifecycleRoutes(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()
	for _, id := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, do(t, h, "POST", "/sessions", `{"sessionId":"`+id+`"}`).Code)
	}

	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/sessions/a/resize", `{"cols":120,"rows":40}`).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/sessions/a/active", "").Code)
	assert.Equal(t, "a", reg.ActiveID())

	assert.Equal(t, http.StatusOK, do(t, h, "POST", "/sessions/b/kill", "").Code)
	w := do(t, h, "POST", "/broadcast", `{"data":"ls\n"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":1}`, w.Body.String())

	assert.Equal(t, http.StatusOK, do(t, h, "DELETE", "/sessions/a", "").Code)
	assert.Equal(t, "b", reg.ActiveID())
	assert.Len(t, reg.GetAll(), 1)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv.Handler(), "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kaizen_sessions_live")
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv.Handler(), "OPTIONS", "/sessions", "")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// readUntil returns the first message of type msgType, skipping others.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestServer_WebSocketSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	list := readUntil(t, ws, protocol.TypeSessionList)
	var lp protocol.SessionListPayload
	require.NoError(t, json.Unmarshal(list.Payload, &lp))
	assert.Empty(t, lp.Sessions)

	send(t, ws, protocol.TypeSessionSpawn, map[string]interface{}{"sessionId": "w1"})
	update := readUntil(t, ws, protocol.TypeSessionUpdate)
	var up protocol.SessionUpdatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &up))
	assert.Equal(t, "w1", up.ID)
	assert.True(t, up.Alive)

	send(t, ws, protocol.TypeSessionWrite, map[string]interface{}{"sessionId": "w1", "data": "npm install\r\n"})
	data := readUntil(t, ws, protocol.TypeSessionData)
	var dp protocol.SessionDataPayload
	require.NoError(t, json.Unmarshal(data.Payload, &dp))
	assert.Equal(t, "npm install\r\n", dp.Data)

	activity := readUntil(t, ws, protocol.TypeSessionActivity)
	var ap protocol.SessionActivityPayload
	require.NoError(t, json.Unmarshal(activity.Payload, &ap))
	assert.Equal(t, "installing", ap.Label)

	send(t, ws, protocol.TypeSessionReadOutput, map[string]interface{}{"sessionId": "w1"})
	output := readUntil(t, ws, protocol.TypeSessionOutput)
	var op protocol.SessionOutputPayload
	require.NoError(t, json.Unmarshal(output.Payload, &op))
	assert.Equal(t, []string{"npm install"}, op.Lines)

	send(t, ws, protocol.TypeSessionRemove, map[string]interface{}{"sessionId": "w1"})
	removed := readUntil(t, ws, protocol.TypeSessionRemoved)
	var rp protocol.SessionIDPayload
	require.NoError(t, json.Unmarshal(removed.Payload, &rp))
	assert.Equal(t, "w1", rp.SessionID)
}

func TestServer_WebSocketErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, protocol.TypeSessionList)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)

	send(t, ws, protocol.TypeSessionKill, map[string]interface{}{"sessionId": "ghost"})
	msg = readUntil(t, ws, protocol.TypeError)
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrSessionNotFound, p.Code)
	assert.Equal(t, "ghost", p.SessionID)
}
