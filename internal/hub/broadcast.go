package hub

import (
	"log/slog"

	"github.com/workspace/studio-bridge/internal/protocol"
)

// Broadcaster serializes outbound messages and hands them to connection
// write pumps.
type Broadcaster struct {
	reg *Registry
}

// NewBroadcaster creates a broadcaster over reg.
func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// ToObservers sends msg to every observer and returns how many accepted it.
// The message is marshalled once. A slow or broken observer only loses its
// own connection.
func (b *Broadcaster) ToObservers(msg protocol.Outbound) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("hub: encode broadcast", "type", string(msg.MessageType()), "error", err)
		return 0
	}
	sent := 0
	for _, c := range b.reg.Observers() {
		if c.Send(data) {
			sent++
		}
	}
	return sent
}

// ToPlugin sends msg to the plugin. It returns false when no plugin is
// connected or its queue rejected the frame.
func (b *Broadcaster) ToPlugin(msg protocol.Outbound) bool {
	plugin := b.reg.Plugin()
	if plugin == nil {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("hub: encode plugin message", "type", string(msg.MessageType()), "error", err)
		return false
	}
	return plugin.Send(data)
}

// ToPluginAndObservers delivers msg to the plugin and, once delivered,
// mirrors it to observers for activity display.
func (b *Broadcaster) ToPluginAndObservers(msg protocol.Outbound) bool {
	if !b.ToPlugin(msg) {
		return false
	}
	b.ToObservers(msg)
	return true
}

// SendTo writes msg to a single connection.
func (b *Broadcaster) SendTo(c *Conn, msg protocol.Outbound) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("hub: encode message", "type", string(msg.MessageType()), "error", err)
		return false
	}
	return c.Send(data)
}

// SendAndClose writes msg to c and closes it once the frame is flushed.
func (b *Broadcaster) SendAndClose(c *Conn, msg protocol.Outbound) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.Close()
		return false
	}
	return c.SendAndClose(data)
}
