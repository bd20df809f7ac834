package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/workspace/studio-bridge/internal/bridge"
)

// handleDevtoolsCall forwards a tool call to the plugin and blocks until it
// answers, times out or disconnects.
func (s *Server) handleDevtoolsCall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool      string          `json:"tool"`
		Params    json.RawMessage `json:"params"`
		TimeoutMs int64           `json:"timeoutMs"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Tool == "" {
		writeError(w, http.StatusBadRequest, "Missing tool name")
		return
	}

	timeout := s.config.CallTimeout
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout+s.config.ResponseMargin)
	defer cancel()

	result, err := s.calls.Call(ctx, body.Tool, body.Params, timeout)
	if err != nil {
		status, message := callErrorStatus(err)
		if status == 0 {
			// Caller went away; nobody to answer.
			return
		}
		writeJSON(w, status, map[string]interface{}{
			"success": false,
			"error":   message,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// callErrorStatus maps a call failure onto an HTTP status. A plugin-reported
// error is still a successful round trip. Zero means the caller is gone.
func callErrorStatus(err error) (int, string) {
	var timeoutErr *bridge.TimeoutError
	var pluginErr *bridge.PluginError
	switch {
	case errors.Is(err, bridge.ErrNoPluginConnected):
		return http.StatusServiceUnavailable, "Plugin not connected"
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, timeoutErr.Error()
	case errors.As(err, &pluginErr):
		return http.StatusOK, pluginErr.Error()
	case errors.Is(err, bridge.ErrPluginDisconnected):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, context.Canceled):
		return 0, ""
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// handleDevtoolsResult accepts a plugin reply delivered over HTTP instead of
// the socket. Late and duplicate replies are acknowledged and dropped.
func (s *Server) handleDevtoolsResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CallID  string          `json:"callId"`
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	matched := false
	if body.CallID != "" {
		matched = s.calls.Resolve(body.CallID, bridge.Outcome{
			Success: body.Success,
			Result:  body.Result,
			Error:   body.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"matched": matched,
	})
}

func (s *Server) handleDevtoolsHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls":   s.calls.History(),
		"pending": s.calls.Pending(),
	})
}

// contextQuery is one editor-context query issued by /context/gather.
type contextQuery struct {
	key    string
	tool   string
	usable func(json.RawMessage) bool
}

var contextQueries = []contextQuery{
	{key: "selection", tool: "studio.selection.get", usable: notNull},
	{key: "path", tool: "studio.path.get", usable: hasPathPoints},
	{key: "pointer", tool: "studio.pointer.getLast", usable: hasPosition},
}

// handleContextGather queries selection, drawn path and last pointer from the
// plugin with short timeouts. Each query may fail on its own; whatever
// answered is returned.
func (s *Server) handleContextGather(w http.ResponseWriter, r *http.Request) {
	if !s.registry.HasPlugin() {
		writeError(w, http.StatusServiceUnavailable, "Plugin not connected")
		return
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	gathered := make(map[string]json.RawMessage, len(contextQueries))
	failed := make([]string, 0)

	for _, q := range contextQueries {
		wg.Add(1)
		go func(p contextQuery) {
			defer wg.Done()
			result, err := s.calls.Call(r.Context(), p.tool, nil, s.config.ContextTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !p.usable(result) {
				if err != nil {
					s.log.Debug("Context query failed", "tool", p.tool, "error", err)
				}
				failed = append(failed, p.key)
				return
			}
			gathered[p.key] = result
		}(q)
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"context": gathered,
		"missing": failed,
	})
}

func notNull(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func hasPathPoints(raw json.RawMessage) bool {
	var v struct {
		Points []json.RawMessage `json:"points"`
	}
	return json.Unmarshal(raw, &v) == nil && len(v.Points) > 0
}

func hasPosition(raw json.RawMessage) bool {
	var v struct {
		Position json.RawMessage `json:"position"`
	}
	return json.Unmarshal(raw, &v) == nil && notNull(v.Position)
}
