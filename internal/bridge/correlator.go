// Package bridge turns a request/response HTTP call into a message to the
// plugin and waits for the matching reply, which arrives later on an
// unrelated channel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/studio-bridge/internal/protocol"
	"github.com/workspace/studio-bridge/internal/ringbuf"
)

const (
	// DefaultCallTimeout bounds a devtools call. Override via DEVTOOLS_CALL_TIMEOUT.
	DefaultCallTimeout = 30 * time.Second
	// DefaultHistorySize is the number of finished calls kept for inspection.
	DefaultHistorySize = 200
)

var (
	ErrNoPluginConnected  = errors.New("plugin not connected")
	ErrPluginDisconnected = errors.New("plugin disconnected before replying")
)

// TimeoutError is returned when the plugin does not answer in time.
type TimeoutError struct {
	Tool  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return "DevTools call timed out: " + e.Tool
}

// PluginError carries an error the plugin itself reported.
type PluginError struct {
	Tool    string
	Message string
}

func (e *PluginError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Tool)
	}
	return e.Message
}

// Outcome is the plugin's reply to a call.
type Outcome struct {
	Success bool
	Result  json.RawMessage
	Error   string
}

// Dispatcher delivers a call to the plugin. It reports false when there is
// no plugin to deliver to.
type Dispatcher interface {
	ToPluginAndObservers(msg protocol.Outbound) bool
}

// CallStatus is the final state of a call in the history log.
type CallStatus string

const (
	StatusOK           CallStatus = "ok"
	StatusError        CallStatus = "error"
	StatusTimeout      CallStatus = "timeout"
	StatusNoPlugin     CallStatus = "no_plugin"
	StatusDisconnected CallStatus = "disconnected"
	StatusCancelled    CallStatus = "cancelled"
)

// CallRecord is one finished call.
type CallRecord struct {
	CallID     string     `json:"callId"`
	Tool       string     `json:"tool"`
	Status     CallStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	DurationMs int64      `json:"durationMs"`
}

type settled struct {
	outcome Outcome
	err     error
}

type pendingCall struct {
	tool      string
	startedAt time.Time
	ch        chan settled
	timer     *time.Timer
}

// Correlator matches plugin replies to outstanding calls by callId.
//
// Each pending call is settled exactly once: whichever of reply, timeout,
// cancellation or disconnect removes it from the map first wins, and that
// winner stops the timer.
type Correlator struct {
	dispatch       Dispatcher
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall

	history *ringbuf.Ring[CallRecord]
}

// NewCorrelator creates a correlator that sends calls through d.
func NewCorrelator(d Dispatcher, defaultTimeout time.Duration, historySize int) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Correlator{
		dispatch:       d,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCall),
		history:        ringbuf.New[CallRecord](historySize),
	}
}

// Call sends tool/params to the plugin and blocks until the reply, the
// timeout, ctx cancellation or plugin disconnect. A non-positive timeout uses
// the default.
func (c *Correlator) Call(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	callID := uuid.NewString()
	pc := &pendingCall{
		tool:      tool,
		startedAt: time.Now(),
		ch:        make(chan settled, 1),
	}

	// Register before dispatching so a fast reply always finds its entry.
	c.mu.Lock()
	c.pending[callID] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.settle(callID, settled{err: &TimeoutError{Tool: tool, After: timeout}})
	})
	c.mu.Unlock()

	if !c.dispatch.ToPluginAndObservers(protocol.DevtoolsCall{CallID: callID, Tool: tool, Params: params}) {
		c.settle(callID, settled{err: ErrNoPluginConnected})
		<-pc.ch
		return nil, ErrNoPluginConnected
	}

	var res settled
	select {
	case res = <-pc.ch:
	case <-ctx.Done():
		c.settle(callID, settled{err: ctx.Err()})
		res = <-pc.ch
	}

	if res.err != nil {
		return nil, res.err
	}
	if !res.outcome.Success {
		return nil, &PluginError{Tool: tool, Message: res.outcome.Error}
	}
	if len(res.outcome.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return res.outcome.Result, nil
}

// Resolve settles the call with the given id. Unknown, late and duplicate
// ids are ignored and reported as false.
func (c *Correlator) Resolve(callID string, outcome Outcome) bool {
	ok := c.settle(callID, settled{outcome: outcome})
	if !ok {
		slog.Debug("bridge: result for unknown call ignored", "callID", callID)
	}
	return ok
}

// RejectAll settles every outstanding call with err and returns how many
// were rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	for _, pc := range calls {
		pc.timer.Stop()
	}
	c.mu.Unlock()

	for id, pc := range calls {
		c.finish(id, pc, settled{err: err})
	}
	if len(calls) > 0 {
		slog.Warn("bridge: rejected in-flight calls", "count", len(calls), "error", err)
	}
	return len(calls)
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LiveTimers returns the number of armed timeout timers. Every settled call
// has its timer stopped, so this always equals Pending.
func (c *Correlator) LiveTimers() int {
	return c.Pending()
}

// History returns finished calls, oldest first.
func (c *Correlator) History() []CallRecord {
	return c.history.All()
}

func (c *Correlator) settle(callID string, res settled) bool {
	c.mu.Lock()
	pc, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
		pc.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.finish(callID, pc, res)
	return true
}

func (c *Correlator) finish(callID string, pc *pendingCall, res settled) {
	rec := CallRecord{
		CallID:     callID,
		Tool:       pc.tool,
		StartedAt:  pc.startedAt.UTC(),
		DurationMs: time.Since(pc.startedAt).Milliseconds(),
	}
	var timeoutErr *TimeoutError
	switch {
	case res.err == nil && res.outcome.Success:
		rec.Status = StatusOK
	case res.err == nil:
		rec.Status = StatusError
		rec.Error = res.outcome.Error
	case errors.As(res.err, &timeoutErr):
		rec.Status = StatusTimeout
		rec.Error = res.err.Error()
	case errors.Is(res.err, ErrNoPluginConnected):
		rec.Status = StatusNoPlugin
		rec.Error = res.err.Error()
	case errors.Is(res.err, ErrPluginDisconnected):
		rec.Status = StatusDisconnected
		rec.Error = res.err.Error()
	default:
		rec.Status = StatusCancelled
		rec.Error = res.err.Error()
	}
	c.history.Append(rec)
	pc.ch <- res
}
