package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/juancruzmunozalbelo/kaizen-term/internal/blocks"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/protocol"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/session"
	"github.com/juancruzmunozalbelo/kaizen-term/internal/supervisor"
)

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMaxSessions):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.As(err, &spawnErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionSpawnPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cols < 0 || req.Rows < 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must not be negative")
		return
	}

	sess, err := s.sessions.Spawn(spawnRequest(req))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := s.sessions.GetAll()
	result := make([]protocol.SessionUpdatePayload, 0, len(all))
	for _, sess := range all {
		result = append(result, sessionPayload(sess))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	if err := s.sessions.Write(id, []byte(req.Data)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.sessions.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.sessions.ReadOutput(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.SessionOutputPayload{
		SessionID: id,
		Lines:     out.Lines,
		Count:     out.Count,
		Partial:   out.Partial,
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	history, err := s.sessions.Blocks(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, blockPayloads(history))
}

func blockPayloads(history []blocks.Block) []protocol.CommandBlock {
	result := make([]protocol.CommandBlock, 0, len(history))
	for _, b := range history {
		result = append(result, blockPayload(b))
	}
	return result
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SetActive(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Kill(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Remove(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	n := s.sessions.Broadcast([]byte(req.Data))
	writeJSON(w, http.StatusOK, map[string]int{"sessions": n})
}
