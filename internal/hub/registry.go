// Package hub tracks live WebSocket connections and fans messages out to them.
//
// At most one connection holds the plugin role at any time. Every other
// identified connection is an observer.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Role is the immutable role a connection declares when it identifies.
type Role string

const (
	RoleNone     Role = ""
	RolePlugin   Role = "plugin"
	RoleObserver Role = "observer"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRoleConflict      = errors.New("a plugin is already connected")
	ErrUnknownRole       = errors.New("unknown role")
	ErrAlreadyIdentified = errors.New("connection already identified")
)

// ParseRole maps a declared role to a Role. "studio" and "cli" are accepted
// for older clients.
func ParseRole(s string) (Role, error) {
	switch s {
	case "plugin", "studio":
		return RolePlugin, nil
	case "observer", "cli":
		return RoleObserver, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Authenticator validates the credential presented with an identify frame.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) error
}

// Registry admits connections by role and owns the single plugin slot.
type Registry struct {
	auth Authenticator

	mu        sync.Mutex
	plugin    *Conn
	observers map[string]*Conn

	hookMu      sync.Mutex
	arriveHooks []func()
	goneHooks   []func()
}

// NewRegistry creates a registry. A nil authenticator admits every credential.
func NewRegistry(auth Authenticator) *Registry {
	return &Registry{
		auth:      auth,
		observers: make(map[string]*Conn),
	}
}

// OnPluginArrive registers fn to run after a plugin is admitted.
func (r *Registry) OnPluginArrive(fn func()) {
	r.hookMu.Lock()
	r.arriveHooks = append(r.arriveHooks, fn)
	r.hookMu.Unlock()
}

// OnPluginGone registers fn to run once each time the plugin leaves.
func (r *Registry) OnPluginGone(fn func()) {
	r.hookMu.Lock()
	r.goneHooks = append(r.goneHooks, fn)
	r.hookMu.Unlock()
}

// Identify authenticates c and assigns its role. A second plugin is rejected
// with ErrRoleConflict; the existing plugin is never evicted.
func (r *Registry) Identify(ctx context.Context, c *Conn, role Role, credential string) error {
	if role != RolePlugin && role != RoleObserver {
		return fmt.Errorf("%w: %q", ErrUnknownRole, string(role))
	}
	if r.auth != nil {
		if err := r.auth.Authenticate(ctx, credential); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	r.mu.Lock()
	if c.role != RoleNone {
		r.mu.Unlock()
		return ErrAlreadyIdentified
	}
	if role == RolePlugin {
		if r.plugin != nil {
			r.mu.Unlock()
			return ErrRoleConflict
		}
		r.plugin = c
	} else {
		r.observers[c.ID] = c
	}
	c.role = role
	observers := len(r.observers)
	r.mu.Unlock()

	slog.Info("hub: connection identified", "connID", c.ID, "role", string(role), "observers", observers)
	if role == RolePlugin {
		r.runHooks(r.snapshotHooks(true))
	}
	return nil
}

// Remove drops c from the registry. Removing the plugin fires the
// plugin-gone hooks. Calling Remove twice is a no-op.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	wasPlugin := r.plugin == c && c != nil
	if wasPlugin {
		r.plugin = nil
	} else if c != nil {
		delete(r.observers, c.ID)
	}
	r.mu.Unlock()

	if wasPlugin {
		slog.Info("hub: plugin disconnected", "connID", c.ID)
		r.runHooks(r.snapshotHooks(false))
	}
}

// Role returns the role c was admitted with.
func (r *Registry) Role(c *Conn) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.role
}

// HasPlugin reports whether a plugin is connected.
func (r *Registry) HasPlugin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plugin != nil
}

// Plugin returns the current plugin connection, or nil.
func (r *Registry) Plugin() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plugin
}

// ObserverCount returns the number of identified observers.
func (r *Registry) ObserverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Observers returns a snapshot of observer connections ordered by connect time.
func (r *Registry) Observers() []*Conn {
	r.mu.Lock()
	out := make([]*Conn, 0, len(r.observers))
	for _, c := range r.observers {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *Registry) snapshotHooks(arrive bool) []func() {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	if arrive {
		return append([]func(){}, r.arriveHooks...)
	}
	return append([]func(){}, r.goneHooks...)
}

func (r *Registry) runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}
