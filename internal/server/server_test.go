package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/studio-bridge/internal/agent"
	"github.com/workspace/studio-bridge/internal/config"
)

// stubSource replays a fixed event list, optionally held until released.
type stubSource struct {
	events []agent.Event
	hold   chan struct{}
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Stream(ctx context.Context, _ agent.Request) (<-chan agent.Event, error) {
	ch := make(chan agent.Event)
	go func() {
		defer close(ch)
		if s.hold != nil {
			select {
			case <-s.hold:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              4849,
		Root:              t.TempDir(),
		ExecArtifact:      "exec.lua",
		ExecResultFile:    "exec.result.txt",
		CallTimeout:       2 * time.Second,
		ContextTimeout:    200 * time.Millisecond,
		ResponseMargin:    500 * time.Millisecond,
		CallHistorySize:   50,
		AgentBackend:      config.BackendClaude,
		RunLogSize:        100,
		MaxRuns:           10,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSSendBuffer:      64,
		WSMaxMessageSize:  1 << 20,
	}
}

type testBridge struct {
	t    *testing.T
	srv  *Server
	http *httptest.Server
}

func newTestBridge(t *testing.T, mutate func(*config.Config), source agent.Source) *testBridge {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	if source == nil {
		source = &stubSource{}
	}
	s, err := newServer(cfg, source)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return &testBridge{t: t, srv: s, http: ts}
}

// do performs an HTTP request and decodes the JSON response. headers are
// key/value pairs.
func (b *testBridge) do(method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	b.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, b.http.URL+path, reader)
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// testPeer is a WebSocket client. Writes are serialized so a responder
// goroutine and the test body can share the connection.
type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (b *testBridge) dial() *testPeer {
	b.t.Helper()
	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { conn.Close() })
	return &testPeer{t: b.t, conn: conn}
}

// join dials and identifies, returning the welcome frame.
func (b *testBridge) join(role, token string) (*testPeer, map[string]interface{}) {
	b.t.Helper()
	p := b.dial()
	p.send(map[string]interface{}{"role": role, "token": token})
	welcome := p.read()
	require.Equal(b.t, "welcome", welcome["type"], "identify as %s: %v", role, welcome)
	return p, welcome
}

func (p *testPeer) writeJSON(v interface{}) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *testPeer) send(v interface{}) {
	p.t.Helper()
	require.NoError(p.t, p.writeJSON(v))
}

func (p *testPeer) read() map[string]interface{} {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]interface{}
	require.NoError(p.t, p.conn.ReadJSON(&m))
	return m
}

// expect reads until a frame of the given type arrives.
func (p *testPeer) expect(msgType string) map[string]interface{} {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = p.conn.SetReadDeadline(deadline)
		var m map[string]interface{}
		require.NoError(p.t, p.conn.ReadJSON(&m), "waiting for %s", msgType)
		if m["type"] == msgType {
			return m
		}
	}
	p.t.Fatalf("no %s frame before deadline", msgType)
	return nil
}

// respond answers devtools.call frames in the background. A nil reply
// leaves the call unanswered.
func (p *testPeer) respond(handler func(call map[string]interface{}) map[string]interface{}) {
	_ = p.conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			var m map[string]interface{}
			if err := p.conn.ReadJSON(&m); err != nil {
				return
			}
			if m["type"] != "devtools.call" {
				continue
			}
			if reply := handler(m); reply != nil {
				reply["type"] = "devtools.result"
				reply["callId"] = m["callId"]
				if err := p.writeJSON(reply); err != nil {
					return
				}
			}
		}
	}()
}

func TestHealthIsOpenWhenAuthEnabled(t *testing.T) {
	b := newTestBridge(t, func(c *config.Config) { c.BridgeToken = "s3cret" }, nil)

	status, body := b.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, false, body["pluginConnected"])
	assert.Nil(t, body["session"])

	status, body = b.do(http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Missing auth token", body["error"])

	status, _ = b.do(http.MethodGet, "/session", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = b.do(http.MethodGet, "/session", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "No session info - plugin not connected yet", body["error"])

	status, _ = b.do(http.MethodGet, "/devtools/history", nil, "X-Bridge-Token", "s3cret")
	assert.Equal(t, http.StatusOK, status)
}

func TestObserverSeesPluginPresence(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	observer, welcome := b.join("observer", "")
	assert.Equal(t, "observer", welcome["role"])
	assert.Equal(t, "disconnected", welcome["studio"])

	plugin, welcome := b.join("plugin", "")
	assert.Equal(t, "plugin", welcome["role"])
	assert.Equal(t, "connected", observer.expect("status")["studio"])

	_, body := b.do(http.MethodGet, "/health", nil)
	assert.Equal(t, true, body["pluginConnected"])
	assert.EqualValues(t, 1, body["observers"])

	plugin.conn.Close()
	assert.Equal(t, "disconnected", observer.expect("status")["studio"])

	// A late observer is told the plugin is gone.
	_, welcome = b.join("cli", "")
	assert.Equal(t, "disconnected", welcome["studio"])
}

func TestSecondPluginIsRejected(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	first, _ := b.join("studio", "")

	second := b.dial()
	second.send(map[string]interface{}{"role": "plugin"})
	msg := second.read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "studio_already_connected", msg["error"])

	_ = second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.conn.ReadMessage()
	assert.Error(t, err, "rejected socket should be closed")

	// The first plugin is still the plugin.
	first.send(map[string]interface{}{"type": "ping"})
	assert.Equal(t, "pong", first.read()["type"])
	assert.True(t, b.srv.registry.HasPlugin())
}

func TestIdentifyRequiresToken(t *testing.T) {
	b := newTestBridge(t, func(c *config.Config) { c.BridgeToken = "s3cret" }, nil)

	p := b.dial()
	p.send(map[string]interface{}{"role": "plugin", "token": "nope"})
	msg := p.read()
	assert.Equal(t, "unauthorized", msg["error"])
	assert.False(t, b.srv.registry.HasPlugin())

	b.join("plugin", "s3cret")
	assert.True(t, b.srv.registry.HasPlugin())
}

func TestFramesBeforeIdentifyAreRefused(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	p := b.dial()
	p.send(map[string]interface{}{"type": "cmd", "cmd": "run"})
	assert.Equal(t, "not_authenticated", p.read()["error"])

	p.send(map[string]interface{}{"role": "observer"})
	assert.Equal(t, "welcome", p.read()["type"])
}

func TestUnknownRoleIsRejected(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	p := b.dial()
	p.send(map[string]interface{}{"role": "admin"})
	assert.Equal(t, "unknown_role", p.read()["error"])
}

func TestDevtoolsCallRoundTrip(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	observer, _ := b.join("observer", "")
	plugin, _ := b.join("plugin", "")
	observer.expect("status")

	plugin.respond(func(call map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"success": true,
			"result":  map[string]interface{}{"tool": call["tool"], "params": call["params"]},
		}
	})

	status, body := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{
		"tool":   "studio.selection.get",
		"params": map[string]interface{}{"depth": 2},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "studio.selection.get", result["tool"])
	assert.EqualValues(t, 2, result["params"].(map[string]interface{})["depth"])

	// Observers see the call for activity display.
	mirrored := observer.expect("devtools.call")
	assert.Equal(t, "studio.selection.get", mirrored["tool"])

	assert.Equal(t, 0, b.srv.calls.Pending())
	assert.Equal(t, 0, b.srv.calls.LiveTimers())

	_, body = b.do(http.MethodGet, "/devtools/history", nil)
	calls := body["calls"].([]interface{})
	require.Len(t, calls, 1)
	assert.Equal(t, "ok", calls[0].(map[string]interface{})["status"])
}

func TestDevtoolsCallValidation(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	status, body := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing tool name", body["error"])

	status, body = b.do(http.MethodPost, "/devtools/call", map[string]interface{}{"tool": "studio.ping"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Plugin not connected", body["error"])
	assert.Equal(t, 0, b.srv.calls.Pending())
}

func TestDevtoolsCallTimeout(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	plugin, _ := b.join("plugin", "")
	plugin.respond(func(map[string]interface{}) map[string]interface{} { return nil })

	start := time.Now()
	status, body := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{
		"tool":      "studio.slow",
		"timeoutMs": 100,
	})
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "DevTools call timed out: studio.slow", body["error"])
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, b.srv.calls.Pending())
}

func TestDevtoolsCallPluginError(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	plugin, _ := b.join("plugin", "")
	plugin.respond(func(map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"success": false, "error": "Instance not found"}
	})

	status, body := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{"tool": "studio.instances.get"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Instance not found", body["error"])
}

func TestDevtoolsResultOverHTTP(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	plugin, _ := b.join("plugin", "")

	callIDs := make(chan string, 1)
	plugin.respond(func(call map[string]interface{}) map[string]interface{} {
		callIDs <- call["callId"].(string)
		return nil
	})

	type outcome struct {
		status int
		body   map[string]interface{}
	}
	done := make(chan outcome, 1)
	go func() {
		status, body := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{"tool": "studio.eval"})
		done <- outcome{status, body}
	}()

	var callID string
	select {
	case callID = <-callIDs:
	case <-time.After(3 * time.Second):
		t.Fatal("plugin never received the call")
	}

	_, ack := b.do(http.MethodPost, "/devtools/result", map[string]interface{}{
		"callId": callID, "success": true, "result": 42,
	})
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, true, ack["matched"])

	res := <-done
	assert.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, 42, res.body["result"])

	// A duplicate is acknowledged but matches nothing.
	_, ack = b.do(http.MethodPost, "/devtools/result", map[string]interface{}{
		"callId": callID, "success": true, "result": 43,
	})
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, false, ack["matched"])
}

func TestPluginDisconnectRejectsCallsAndClearsSession(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	plugin, _ := b.join("plugin", "")

	plugin.send(map[string]interface{}{
		"type": "session.update", "sessionKey": "place-1", "placeName": "Obby", "placeId": 101, "isPublished": true,
	})
	require.Eventually(t, func() bool {
		status, _ := b.do(http.MethodGet, "/session", nil)
		return status == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	done := make(chan int, 1)
	go func() {
		status, _ := b.do(http.MethodPost, "/devtools/call", map[string]interface{}{"tool": "studio.wait"})
		done <- status
	}()
	plugin.expect("devtools.call")
	plugin.conn.Close()

	select {
	case status := <-done:
		assert.Equal(t, http.StatusBadGateway, status)
	case <-time.After(3 * time.Second):
		t.Fatal("call was not rejected on disconnect")
	}

	status, _ := b.do(http.MethodGet, "/session", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 0, b.srv.calls.Pending())
}

func TestCommandRelay(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	observer, _ := b.join("cli", "")

	observer.send(map[string]interface{}{"type": "cmd", "cmd": "run"})
	msg := observer.expect("error")
	assert.Equal(t, "studio_not_connected", msg["error"])
	assert.Equal(t, "run", msg["cmd"])

	plugin, _ := b.join("studio", "")
	observer.expect("status")

	observer.send(map[string]interface{}{"type": "cmd", "cmd": "exec", "code": "print(1)"})
	cmd := plugin.expect("cmd")
	assert.Equal(t, "exec", cmd["cmd"])
	assert.Equal(t, "print(1)", cmd["code"])

	plugin.send(map[string]interface{}{"type": "result", "cmd": "exec", "ok": true, "info": "nil"})
	result := observer.expect("result")
	assert.Equal(t, "exec", result["cmd"])
	assert.Equal(t, true, result["ok"])

	plugin.send(map[string]interface{}{"type": "log", "level": "Warning", "text": "careful"})
	assert.Equal(t, "careful", observer.expect("log")["text"])
}

func TestSessionSwitchIsBroadcast(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	observer, _ := b.join("observer", "")
	plugin, _ := b.join("plugin", "")
	observer.expect("status")

	plugin.send(map[string]interface{}{"type": "session.update", "sessionKey": "a", "placeName": "Obby"})
	plugin.send(map[string]interface{}{"type": "session.update", "sessionKey": "a", "placeName": "Obby"})
	plugin.send(map[string]interface{}{"type": "session.update", "sessionKey": "b", "placeName": "Tycoon"})

	switched := observer.expect("session.switched")
	assert.Equal(t, "a", switched["previousKey"])
	assert.Equal(t, "b", switched["sessionKey"])
	assert.Equal(t, "Tycoon", switched["placeName"])

	status, body := b.do(http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "b", body["sessionKey"])
}

func TestSessionUpdateOverHTTP(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	plugin, _ := b.join("plugin", "")

	_, body := b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "a", "placeName": "Obby"})
	assert.Equal(t, false, body["switched"])
	_, body = b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "b", "placeName": "Tycoon"})
	assert.Equal(t, true, body["switched"])

	_, health := b.do(http.MethodGet, "/health", nil)
	assert.Equal(t, "b", health["session"].(map[string]interface{})["sessionKey"])

	plugin.conn.Close()
	require.Eventually(t, func() bool {
		return !b.srv.registry.HasPlugin() && b.srv.presence.Current() == nil
	}, 3*time.Second, 20*time.Millisecond)

	// A push that arrives after the plugin left must not revive the session.
	status, body := b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "late"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Plugin not connected", body["error"])
	assert.Nil(t, b.srv.presence.Current())
}

func TestSessionUpdateWithoutPlugin(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	status, body := b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "ghost"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Plugin not connected", body["error"])
	assert.Nil(t, b.srv.presence.Current())

	_, health := b.do(http.MethodGet, "/health", nil)
	assert.Equal(t, false, health["pluginConnected"])
	assert.Nil(t, health["session"])
}

func TestPluginCannotSpoofBridgeFrames(t *testing.T) {
	b := newTestBridge(t, nil, nil)
	observer, _ := b.join("observer", "")
	plugin, _ := b.join("plugin", "")
	observer.expect("status")

	plugin.send(map[string]interface{}{"type": "run.done", "runId": "run_fake", "success": true, "summary": "spoofed"})
	plugin.send(map[string]interface{}{"type": "status", "studio": "disconnected"})
	plugin.send(map[string]interface{}{"type": "log", "level": "Output", "text": "after"})

	for {
		m := observer.read()
		require.NotEqual(t, "run.done", m["type"], "plugin run.done was relayed")
		require.NotEqual(t, "status", m["type"], "plugin status was relayed")
		if m["type"] == "log" {
			assert.Equal(t, "after", m["text"])
			return
		}
	}
}

func TestAgentRunLifecycle(t *testing.T) {
	source := &stubSource{events: []agent.Event{
		{Kind: agent.EventText, Text: "Looking at the map", Intermediate: true},
		{Kind: agent.EventToolUse, Tool: "Write", Input: map[string]any{"file_path": "src/Spawn.lua"}},
		{Kind: agent.EventResult, Result: &agent.Result{Summary: "Added a spawn", Turns: 3, CostUSD: 0.02}},
	}}
	b := newTestBridge(t, nil, source)
	observer, _ := b.join("observer", "")

	status, body := b.do(http.MethodPost, "/agent/run", map[string]interface{}{"task": "add a spawn point"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	runID, _ := body["runId"].(string)
	require.True(t, strings.HasPrefix(runID, "run_"))
	assert.NotZero(t, body["startedAt"])

	done := observer.expect("run.done")
	assert.Equal(t, runID, done["runId"])
	assert.Equal(t, true, done["success"])
	assert.Equal(t, "Added a spawn", done["summary"])
	assert.Equal(t, []interface{}{"src/Spawn.lua"}, done["filesChanged"])

	_, snap := b.do(http.MethodGet, "/agent/status?runId="+runID, nil)
	assert.Equal(t, "done", snap["state"])

	_, logs := b.do(http.MethodGet, "/agent/logs?runId="+runID, nil)
	assert.Equal(t, "done", logs["state"])
	lines := logs["lines"].([]interface{})
	require.NotEmpty(t, lines)
	cursor := logs["nextCursor"].(string)

	_, more := b.do(http.MethodGet, "/agent/logs?runId="+runID+"&cursor="+cursor, nil)
	assert.Empty(t, more["lines"])
	assert.Equal(t, cursor, more["nextCursor"])

	_, runs := b.do(http.MethodGet, "/agent/runs", nil)
	assert.Len(t, runs["runs"], 1)
}

func TestAgentRunCancel(t *testing.T) {
	source := &stubSource{
		hold:   make(chan struct{}),
		events: []agent.Event{{Kind: agent.EventResult, Result: &agent.Result{Summary: "too late"}}},
	}
	b := newTestBridge(t, nil, source)
	observer, _ := b.join("observer", "")

	_, body := b.do(http.MethodPost, "/agent/run", map[string]interface{}{"task": "build a tower"})
	runID := body["runId"].(string)

	status, cancelled := b.do(http.MethodPost, "/agent/cancel", map[string]interface{}{"runId": runID})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, cancelled["ok"])

	done := observer.expect("run.done")
	assert.Equal(t, false, done["success"])
	assert.Equal(t, "Cancelled by user", done["summary"])

	_, snap := b.do(http.MethodGet, "/agent/status?runId="+runID, nil)
	assert.Equal(t, "cancelled", snap["state"])
}

func TestAgentEndpointValidation(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	status, body := b.do(http.MethodPost, "/agent/run", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Task instruction required", body["error"])

	status, _ = b.do(http.MethodGet, "/agent/status", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = b.do(http.MethodGet, "/agent/status?runId=run_missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = b.do(http.MethodGet, "/agent/logs?runId=run_missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = b.do(http.MethodGet, "/agent/logs?runId=x&cursor=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = b.do(http.MethodPost, "/agent/cancel", map[string]interface{}{"runId": "run_missing"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentArtifactReachesPlugin(t *testing.T) {
	source := &stubSource{events: []agent.Event{
		{Kind: agent.EventFileWrite, Path: "exec.lua", Content: "print('hi')"},
		{Kind: agent.EventResult, Result: &agent.Result{Summary: "ran it"}},
	}}
	b := newTestBridge(t, nil, source)
	plugin, _ := b.join("plugin", "")

	_, body := b.do(http.MethodPost, "/agent/run", map[string]interface{}{"task": "say hi"})
	require.Equal(t, true, body["ok"])

	exec := plugin.expect("studio.exec")
	assert.Equal(t, "print('hi')", exec["code"])

	// Delivered over the socket, so nothing is queued for polling.
	_, pending := b.do(http.MethodGet, "/exec/pending", nil)
	assert.Nil(t, pending["code"])
}

func TestExecResultWritesResultFile(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	_, body := b.do(http.MethodGet, "/exec/result", nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "No execution yet", body["error"])

	status, _ := b.do(http.MethodPost, "/exec/result", map[string]interface{}{
		"success": false, "error": "attempt to index nil", "code": "workspace.Foo.Bar = 1",
	})
	require.Equal(t, http.StatusOK, status)

	_, body = b.do(http.MethodGet, "/exec/result", nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "attempt to index nil", body["error"])

	data, err := os.ReadFile(filepath.Join(b.srv.root.Dir(), "exec.result.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "EXECUTION ERROR at "))
	assert.Contains(t, string(data), "Error: attempt to index nil")

	status, _ = b.do(http.MethodGet, "/exec/history", nil)
	assert.Equal(t, http.StatusNotFound, status, "history needs persistence")
}

func TestPersistedHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state", "bridge.db")
	b := newTestBridge(t, func(c *config.Config) { c.PersistenceDBPath = dbPath }, nil)
	b.join("plugin", "")

	b.do(http.MethodPost, "/exec/result", map[string]interface{}{"success": true, "result": 7})
	b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "a", "placeName": "Obby"})
	b.do(http.MethodPost, "/session/update", map[string]interface{}{"sessionKey": "b", "placeName": "Tycoon"})

	_, body := b.do(http.MethodGet, "/exec/history", nil)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "7", results[0].(map[string]interface{})["result"])

	_, body = b.do(http.MethodGet, "/session/history?limit=1", nil)
	sessions := body["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].(map[string]interface{})["sessionKey"])
}

func TestContextGatherToleratesFailures(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	status, _ := b.do(http.MethodPost, "/context/gather", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	plugin, _ := b.join("plugin", "")
	plugin.respond(func(call map[string]interface{}) map[string]interface{} {
		switch call["tool"] {
		case "studio.selection.get":
			return map[string]interface{}{"success": true, "result": []string{"Workspace.Part"}}
		case "studio.path.get":
			return map[string]interface{}{"success": true, "result": map[string]interface{}{"points": []interface{}{}}}
		default:
			return nil
		}
	})

	status, body := b.do(http.MethodPost, "/context/gather", nil)
	require.Equal(t, http.StatusOK, status)
	gathered := body["context"].(map[string]interface{})
	assert.Equal(t, []interface{}{"Workspace.Part"}, gathered["selection"])
	assert.NotContains(t, gathered, "path")
	assert.NotContains(t, gathered, "pointer")
	assert.ElementsMatch(t, []interface{}{"path", "pointer"}, body["missing"])
}

func TestPluginLogForwarding(t *testing.T) {
	b := newTestBridge(t, nil, nil)

	status, body := b.do(http.MethodPost, "/log", map[string]interface{}{"level": "MessageWarning", "message": "hello"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestCORS(t *testing.T) {
	b := newTestBridge(t, func(c *config.Config) { c.AllowedOrigins = []string{"https://*.example.com"} }, nil)

	req, err := http.NewRequest(http.MethodOptions, b.http.URL+"/devtools/call", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://studio.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://studio.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Browsers from other origins cannot open the socket.
	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
	_, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.test"}})
	assert.Error(t, err)
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://example.com", "https://*.example.com", false},
		{"https://evil.com/.example.com", "https://*.example.com", false},
		{"https://foo.example.com", "https://example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchWildcardOrigin(tt.origin, tt.pattern), "%s vs %s", tt.origin, tt.pattern)
	}
}
