// Package presence tracks what the connected plugin is currently editing.
package presence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Session describes the plugin's editing context. It is replaced wholesale
// on every push.
type Session struct {
	PlaceID     json.RawMessage `json:"placeId"`
	GameID      json.RawMessage `json:"gameId"`
	PlaceName   string          `json:"placeName"`
	IsPublished bool            `json:"isPublished"`
	SessionKey  string          `json:"sessionKey"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (s Session) clone() Session {
	s.PlaceID = append(json.RawMessage(nil), s.PlaceID...)
	s.GameID = append(json.RawMessage(nil), s.GameID...)
	return s
}

// ErrNotConnected is returned by Push while no plugin is connected.
var ErrNotConnected = errors.New("plugin not connected")

// SwitchFunc is called when the session key changes between two pushes.
type SwitchFunc func(prev, next Session)

// Tracker holds at most one current session. The session only exists
// while the connected check reports a plugin.
type Tracker struct {
	mu        sync.RWMutex
	current   *Session
	connected func() bool

	hookMu   sync.Mutex
	onSwitch []SwitchFunc
	onPush   []func(Session)
}

// NewTracker creates an empty tracker. connected reports whether a plugin
// is present; pushes are refused while it returns false. A nil func accepts
// every push.
func NewTracker(connected func() bool) *Tracker {
	return &Tracker{connected: connected}
}

// OnSwitch registers fn to run after a push that changed the session key.
func (t *Tracker) OnSwitch(fn SwitchFunc) {
	t.hookMu.Lock()
	t.onSwitch = append(t.onSwitch, fn)
	t.hookMu.Unlock()
}

// OnPush registers fn to run after every accepted push.
func (t *Tracker) OnPush(fn func(Session)) {
	t.hookMu.Lock()
	t.onPush = append(t.onPush, fn)
	t.hookMu.Unlock()
}

// Push replaces the current session and reports whether this was a context
// switch, meaning a previous session existed with a different key.
func (t *Tracker) Push(s Session) (bool, error) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	next := s.clone()

	t.mu.Lock()
	// Checked under mu so a push cannot land after Clear for a plugin
	// that already left.
	if t.connected != nil && !t.connected() {
		t.mu.Unlock()
		return false, ErrNotConnected
	}
	prev := t.current
	t.current = &next
	t.mu.Unlock()

	switched := prev != nil && prev.SessionKey != next.SessionKey
	if switched {
		slog.Info("presence: session switched", "from", prev.SessionKey, "to", next.SessionKey, "placeName", next.PlaceName)
	}

	t.hookMu.Lock()
	pushHooks := append([]func(Session){}, t.onPush...)
	switchHooks := append([]SwitchFunc{}, t.onSwitch...)
	t.hookMu.Unlock()

	for _, fn := range pushHooks {
		fn(next.clone())
	}
	if switched {
		for _, fn := range switchHooks {
			fn(prev.clone(), next.clone())
		}
	}
	return switched, nil
}

// Current returns a copy of the current session, or nil.
func (t *Tracker) Current() *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	s := t.current.clone()
	return &s
}

// Clear forgets the current session. Called when the plugin disconnects.
func (t *Tracker) Clear() {
	t.mu.Lock()
	had := t.current != nil
	t.current = nil
	t.mu.Unlock()
	if had {
		slog.Info("presence: session cleared")
	}
}
