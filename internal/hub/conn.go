package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendBuffer is the default per-connection send queue size.
// Override via WS_SEND_BUFFER.
const DefaultSendBuffer = 256

const defaultWriteTimeout = 10 * time.Second

// Transport is the write side of a WebSocket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	data  []byte
	close bool
}

// Conn is one live WebSocket connection. All writes go through a single
// write pump goroutine (Run), so frames reach the peer in enqueue order.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	transport    Transport
	sendCh       chan frame
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration

	// role is set once by Registry.Identify (guarded by Registry.mu).
	role Role
}

// NewConn wraps a transport. Call Run in its own goroutine to start writing.
func NewConn(id string, t Transport, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Conn{
		ID:           id,
		ConnectedAt:  time.Now().UTC(),
		transport:    t,
		sendCh:       make(chan frame, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
	}
}

// Done is closed once the connection has been shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send enqueues a frame without blocking. A full queue means the peer is not
// keeping up; the connection is closed rather than stalling other peers.
func (c *Conn) Send(data []byte) bool {
	return c.enqueue(frame{data: data})
}

// SendAndClose enqueues a final frame; the pump closes the socket after
// writing it.
func (c *Conn) SendAndClose(data []byte) bool {
	return c.enqueue(frame{data: data, close: true})
}

func (c *Conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- f:
		return true
	case <-c.done:
		return false
	default:
		slog.Warn("hub: send buffer full, dropping connection", "connID", c.ID)
		c.Close()
		return false
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// Run drains the send queue and writes to the socket until the connection
// closes or a write fails.
func (c *Conn) Run() {
	defer c.Close()
	for {
		select {
		case f := <-c.sendCh:
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.transport.WriteMessage(websocket.TextMessage, f.data); err != nil {
				slog.Debug("hub: write failed", "connID", c.ID, "error", err)
				return
			}
			if f.close {
				return
			}
		case <-c.done:
			return
		}
	}
}
