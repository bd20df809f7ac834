package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/workspace/studio-bridge/internal/logging"
	"github.com/workspace/studio-bridge/internal/persistence"
)

const maxRequestBody = 16 << 20

// handleHealth reports liveness and plugin presence. It never requires auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"version":         Version,
		"pluginConnected": s.registry.HasPlugin(),
		"observers":       s.registry.ObserverCount(),
		"pendingCalls":    s.calls.Pending(),
		"activeRuns":      s.runs.Active(),
		"session":         s.presence.Current(),
	})
}

// handleLog accepts log lines forwarded by the plugin.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level := logging.ParseLevel(body.Level)
	slog.Default().Log(r.Context(), level, body.Message, "source", "studio", "studioLevel", body.Level)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleSessionHistory lists persisted session pushes, newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	records, err := s.store.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		s.log.Error("List sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func (s *Server) handleExecHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	records, err := s.store.ListExecResults(r.Context(), queryLimit(r))
	if err != nil {
		s.log.Error("List exec results failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list exec results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": records})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return persistence.DefaultListLimit
	}
	return n
}

// decodeJSON reads a bounded JSON body. An empty body decodes to the zero value.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
