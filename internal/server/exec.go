package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/workspace/studio-bridge/internal/sidechannel"
)

// handleExecPending hands queued code to a plugin polling over HTTP. The
// code is returned once.
func (s *Server) handleExecPending(w http.ResponseWriter, r *http.Request) {
	code, ok := s.exec.TakePending()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"code": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": code})
}

// handleExecResult records what the plugin reported after running code.
func (s *Server) handleExecResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
		RunID   string          `json:"runId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := sidechannel.Result{
		Success:    body.Success,
		Result:     rawText(body.Result),
		Error:      body.Error,
		Code:       body.Code,
		RunID:      body.RunID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.exec.RecordResult(r.Context(), res); err != nil {
		// The result is still held in memory; the agent can fetch it.
		s.log.Warn("Exec result not fully recorded", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleGetExecResult(w http.ResponseWriter, r *http.Request) {
	last := s.exec.LastResult()
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   "No execution yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// rawText renders a JSON value as plain text: strings are unquoted, null is
// empty, anything else is kept as JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}
