package server

import (
	"net/http"

	"github.com/workspace/studio-bridge/internal/protocol"
)

// handleSessionUpdate accepts a session push over HTTP, for plugins that
// report context outside the socket.
func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	var body protocol.SessionUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switched, err := s.presence.Push(sessionFromUpdate(body))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Plugin not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"switched": switched,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	current := s.presence.Current()
	if current == nil {
		writeError(w, http.StatusServiceUnavailable, "No session info - plugin not connected yet")
		return
	}
	writeJSON(w, http.StatusOK, current)
}
