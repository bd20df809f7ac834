package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/studio-bridge/internal/retry"
)

const (
	connectTimeout = 5 * time.Second
	commandTimeout = 10 * time.Second
)

var (
	errStudioNotConnected = errors.New("studio is not connected")
	errCommandTimeout     = errors.New("command timeout - no response from Studio")
)

// frame is the subset of envelope fields the CLI looks at. Raw keeps the
// whole frame for printing.
type frame struct {
	Type    string          `json:"type"`
	Error   string          `json:"error"`
	Studio  string          `json:"studio"`
	Cmd     string          `json:"cmd"`
	OK      *bool           `json:"ok"`
	Info    string          `json:"info"`
	Level   string          `json:"level"`
	Text    string          `json:"text"`
	Message string          `json:"message"`
	RunID   string          `json:"runId"`
	State   string          `json:"state"`
	Success bool            `json:"success"`
	Summary string          `json:"summary"`
	Tool    string          `json:"tool"`
	Prev    string          `json:"previousKey"`
	Key     string          `json:"sessionKey"`
	Place   string          `json:"placeName"`
	Raw     json.RawMessage `json:"-"`
}

// observer connects to the bridge socket in the observer role.
type observer struct {
	url    string
	token  string
	dialer *websocket.Dialer
}

func newObserver(url, token string) *observer {
	return &observer{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: connectTimeout},
	}
}

// connect dials and identifies. It reports whether Studio is connected
// according to the welcome frame.
func (o *observer) connect(ctx context.Context) (*websocket.Conn, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := o.dialer.DialContext(dialCtx, o.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("connect to bridge: %w", err)
	}

	hello := map[string]string{"role": "cli"}
	if o.token != "" {
		hello["token"] = o.token
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("identify: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	f, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("identify: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch f.Type {
	case "welcome":
		return conn, f.Studio == "connected", nil
	case "error":
		conn.Close()
		return nil, false, fmt.Errorf("bridge refused connection: %s", f.Error)
	default:
		conn.Close()
		return nil, false, fmt.Errorf("unexpected %q frame while identifying", f.Type)
	}
}

// sendCommand relays one command to Studio and waits for the result or
// error frame that echoes its name.
func (o *observer) sendCommand(ctx context.Context, name string, payload map[string]interface{}) (*frame, error) {
	conn, studio, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if !studio {
		return nil, errStudioNotConnected
	}

	msg := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = "cmd"
	msg["cmd"] = name
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	deadline := time.Now().Add(commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		f, err := readFrame(conn)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errCommandTimeout
			}
			return nil, fmt.Errorf("waiting for result: %w", err)
		}
		if f.Cmd != name {
			continue
		}
		switch f.Type {
		case "result":
			return f, nil
		case "error":
			return nil, fmt.Errorf("%s: %s", name, f.Error)
		}
	}
}

// watch prints every frame until ctx ends, reconnecting with backoff.
func (o *observer) watch(ctx context.Context, out io.Writer, backoff *retry.Backoff) error {
	for {
		conn, studio, err := o.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			fmt.Fprintf(out, "%s %v, retrying in %s\n", clock(), err, delay.Round(time.Millisecond))
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		backoff.Reset()

		fmt.Fprintf(out, "%s Connected to bridge (Studio %s)\n", clock(), studioWord(studio))
		o.stream(ctx, conn, out)
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(out, "%s Disconnected from bridge\n", clock())
	}
}

func (o *observer) stream(ctx context.Context, conn *websocket.Conn, out io.Writer) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "%s %s\n", clock(), formatFrame(f))
	}
}

func readFrame(conn *websocket.Conn) (*frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	f.Raw = data
	return &f, nil
}

func studioWord(connected bool) string {
	if connected {
		return "connected"
	}
	return "not connected"
}

func clock() string {
	return time.Now().Format("15:04:05")
}
