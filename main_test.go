package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/studio-bridge/internal/config"
)

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              port,
		Root:              t.TempDir(),
		ExecArtifact:      "exec.lua",
		ExecResultFile:    "exec.result.txt",
		CallTimeout:       time.Second,
		ContextTimeout:    200 * time.Millisecond,
		ResponseMargin:    500 * time.Millisecond,
		CallHistorySize:   10,
		AgentBackend:      config.BackendClaude,
		AgentCommand:      "claude",
		RunLogSize:        50,
		MaxRuns:           5,
		WSReadBufferSize:  1024,
		WSWriteBufferSize: 1024,
		WSSendBuffer:      16,
		WSMaxMessageSize:  1 << 20,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestRunStopsOnCancelAndClosesSockets(t *testing.T) {
	port := freePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(t, port), 5*time.Second)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bridge never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteJSON(map[string]string{"role": "observer"}); err != nil {
		t.Fatalf("identify: %v", err)
	}
	var welcome map[string]interface{}
	if err := ws.ReadJSON(&welcome); err != nil || welcome["type"] != "welcome" {
		t.Fatalf("welcome = %v, err = %v", welcome, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("observer socket still open after shutdown")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("observer socket was not closed by shutdown")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), testConfig(t, l.Addr().(*net.TCPAddr).Port), time.Second)
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("run succeeded on a port already in use")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not report the listen failure")
	}
}
