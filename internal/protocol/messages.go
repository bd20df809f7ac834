// Package protocol defines the WebSocket wire envelopes exchanged between the
// bridge, the Studio plugin and observer clients.
//
// Inbound frames are parsed once at the transport boundary into a closed set
// of Go types (see Decode). Outbound messages are typed structs that stamp
// their own "type" field when marshalled.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the "type" discriminator carried by every envelope.
type MessageType string

const (
	TypeWelcome         MessageType = "welcome"
	TypeError           MessageType = "error"
	TypeStatus          MessageType = "status"
	TypeCmd             MessageType = "cmd"
	TypeResult          MessageType = "result"
	TypeLog             MessageType = "log"
	TypeRunLog          MessageType = "run.log"
	TypeRunProgress     MessageType = "run.progress"
	TypeRunDone         MessageType = "run.done"
	TypeRepoChanged     MessageType = "repo.changed"
	TypeDevtoolsCall    MessageType = "devtools.call"
	TypeDevtoolsResult  MessageType = "devtools.result"
	TypeStudioExec      MessageType = "studio.exec"
	TypeSessionUpdate   MessageType = "session.update"
	TypeSessionSwitched MessageType = "session.switched"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
)

// ServerOwned reports whether t is only ever emitted by the bridge. Plugin
// frames carrying one of these types are not relayed.
func (t MessageType) ServerOwned() bool {
	switch t {
	case TypeWelcome, TypeError, TypeStatus, TypeRunLog, TypeRunProgress, TypeRunDone,
		TypeRepoChanged, TypeDevtoolsCall, TypeStudioExec, TypeSessionSwitched, TypePong:
		return true
	}
	return false
}

// Error codes sent in {type:"error"} frames.
const (
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeRoleConflict       = "studio_already_connected"
	ErrCodeUnknownRole        = "unknown_role"
	ErrCodeNotAuthenticated   = "not_authenticated"
	ErrCodeStudioNotConnected = "studio_not_connected"
	ErrCodeBadMessage         = "bad_message"
)

// ErrEmptyFrame is returned by Decode for zero-length frames.
var ErrEmptyFrame = errors.New("empty frame")

// Inbound is implemented by every message the bridge accepts from a socket.
type Inbound interface {
	inbound()
}

// Identify is the first frame a connection must send.
type Identify struct {
	Role  string `json:"role"`
	Token string `json:"token,omitempty"`
}

// Command is an observer-issued command relayed verbatim to the plugin.
type Command struct {
	Cmd string          `json:"cmd"`
	Raw json.RawMessage `json:"-"`
}

// CallResult is the plugin's reply to a devtools.call.
type CallResult struct {
	CallID  string          `json:"callId"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionUpdate carries the plugin's current editing context.
type SessionUpdate struct {
	PlaceID     json.RawMessage `json:"placeId,omitempty"`
	GameID      json.RawMessage `json:"gameId,omitempty"`
	PlaceName   string          `json:"placeName"`
	IsPublished bool            `json:"isPublished"`
	SessionKey  string          `json:"sessionKey"`
}

// Ping is a client keepalive.
type Ping struct{}

// PluginEvent is any other frame (log, result, ...) that is relayed to
// observers untouched.
type PluginEvent struct {
	Type MessageType
	Raw  json.RawMessage
}

func (Identify) inbound()      {}
func (Command) inbound()       {}
func (CallResult) inbound()    {}
func (SessionUpdate) inbound() {}
func (Ping) inbound()          {}
func (PluginEvent) inbound()   {}

type envelope struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
}

// Decode parses a raw frame into one of the Inbound variants. A frame that
// carries a "role" and no "type" is an identification frame.
func Decode(data []byte) (Inbound, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch {
	case env.Type == "" && env.Role != "":
		var msg Identify
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode identify: %w", err)
		}
		return msg, nil
	case env.Type == TypeCmd:
		var msg Command
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode cmd: %w", err)
		}
		msg.Raw = append(json.RawMessage(nil), data...)
		return msg, nil
	case env.Type == TypeDevtoolsResult:
		var msg CallResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode devtools.result: %w", err)
		}
		if msg.CallID == "" {
			return nil, fmt.Errorf("decode devtools.result: callId is required")
		}
		return msg, nil
	case env.Type == TypeSessionUpdate:
		var msg SessionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode session.update: %w", err)
		}
		return msg, nil
	case env.Type == TypePing:
		return Ping{}, nil
	case env.Type == "":
		return nil, fmt.Errorf("decode envelope: missing type")
	default:
		return PluginEvent{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
