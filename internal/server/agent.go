package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/workspace/studio-bridge/internal/agentrun"
)

// handleAgentRun starts an agent run. The run continues after the response.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req agentrun.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.runs.Start(req)
	switch {
	case errors.Is(err, agentrun.ErrEmptyTask):
		writeError(w, http.StatusBadRequest, "Task instruction required")
		return
	case errors.Is(err, agentrun.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.Error("Agent run failed to start", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap := run.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"runId":     snap.RunID,
		"startedAt": snap.StartedAt.UnixMilli(),
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r.URL.Query().Get("runId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// handleAgentLogs pages through a run's log. cursor is an absolute sequence
// number, so it stays valid after old lines are evicted.
func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId required")
		return
	}
	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = n
	}

	lines, next, state, err := s.runs.Logs(runID, cursor)
	if errors.Is(err, agentrun.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if lines == nil {
		lines = []agentrun.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runId":      runID,
		"lines":      lines,
		"nextCursor": strconv.FormatUint(next, 10),
		"state":      state,
	})
}

// handleAgentCancel requests cancellation. The run reaches the cancelled
// state at its next checkpoint.
func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunID string `json:"runId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId required")
		return
	}
	run, err := s.runs.Cancel(body.RunID)
	if errors.Is(err, agentrun.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"runId": body.RunID,
		"state": run.State(),
	})
}

func (s *Server) handleAgentRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs": s.runs.List(),
	})
}

func (s *Server) lookupRun(w http.ResponseWriter, runID string) (*agentrun.Run, bool) {
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId required")
		return nil, false
	}
	run, ok := s.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	return run, true
}
