// Package sidechannel forwards code an agent writes to the execute artifact
// into the plugin and records what the plugin reports back.
package sidechannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/studio-bridge/internal/protocol"
	"github.com/workspace/studio-bridge/internal/workspace"
)

const (
	DefaultArtifact   = "exec.lua"
	DefaultResultFile = "exec.result.txt"
)

// ErrBusy is returned when another run holds the channel.
var ErrBusy = errors.New("execute channel is in use by another run")

// Broadcaster delivers messages to the plugin and observers.
type Broadcaster interface {
	ToPlugin(msg protocol.Outbound) bool
	ToObservers(msg protocol.Outbound) int
}

// Recorder persists execution outcomes. A nil Recorder disables persistence.
type Recorder interface {
	SaveExecResult(ctx context.Context, res Result) error
}

// Result is what the plugin reported after running forwarded code.
type Result struct {
	Success    bool      `json:"success"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Code       string    `json:"code,omitempty"`
	RunID      string    `json:"runId,omitempty"`
	ReceivedAt time.Time `json:"timestamp"`
}

// Exec is the single execute side channel shared by agent runs.
type Exec struct {
	root       *workspace.Root
	artifact   string
	resultFile string
	bcast      Broadcaster
	recorder   Recorder

	mu      sync.Mutex
	owner   string
	pending *string
	last    *Result
}

// Config configures an Exec.
type Config struct {
	Root       *workspace.Root
	Artifact   string
	ResultFile string
	Recorder   Recorder
}

// New creates the side channel.
func New(cfg Config, b Broadcaster) *Exec {
	if cfg.Artifact == "" {
		cfg.Artifact = DefaultArtifact
	}
	if cfg.ResultFile == "" {
		cfg.ResultFile = DefaultResultFile
	}
	return &Exec{
		root:       cfg.Root,
		artifact:   cfg.Artifact,
		resultFile: cfg.ResultFile,
		bcast:      b,
		recorder:   cfg.Recorder,
	}
}

// Artifact returns the execute artifact file name.
func (e *Exec) Artifact() string {
	return e.artifact
}

// IsArtifact reports whether path names the execute artifact.
func (e *Exec) IsArtifact(path string) bool {
	if e.root == nil {
		return path == e.artifact
	}
	return e.root.Matches(path, e.artifact)
}

// ReadArtifact reads the artifact's current content from the root.
func (e *Exec) ReadArtifact() (string, error) {
	if e.root == nil {
		return "", fmt.Errorf("bridge root not configured")
	}
	return e.root.ReadFile(e.artifact)
}

// Forward sends code to the plugin as studio.exec on behalf of runID. The
// first run to forward claims the channel until Release. When the plugin is
// not reachable the code is queued for Pending.
func (e *Exec) Forward(runID, code string) error {
	e.mu.Lock()
	if e.owner != "" && e.owner != runID {
		owner := e.owner
		e.mu.Unlock()
		return fmt.Errorf("%w (held by %s)", ErrBusy, owner)
	}
	e.owner = runID
	e.mu.Unlock()

	msg := protocol.StudioExec{Code: code}
	delivered := e.bcast.ToPlugin(msg)
	e.bcast.ToObservers(msg)
	if !delivered {
		e.mu.Lock()
		e.pending = &code
		e.mu.Unlock()
		slog.Info("sidechannel: plugin not reachable, queued for polling", "runID", runID)
	}
	return nil
}

// Release frees the channel if runID holds it.
func (e *Exec) Release(runID string) {
	e.mu.Lock()
	if e.owner == runID {
		e.owner = ""
	}
	e.mu.Unlock()
}

// Owner returns the run currently holding the channel, or "".
func (e *Exec) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// TakePending returns queued code and clears it.
func (e *Exec) TakePending() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return "", false
	}
	code := *e.pending
	e.pending = nil
	return code, true
}

// RecordResult stores the plugin's report, writes the result file into the
// root so the agent can read it, and persists the record.
func (e *Exec) RecordResult(ctx context.Context, res Result) error {
	if res.ReceivedAt.IsZero() {
		res.ReceivedAt = time.Now().UTC()
	}
	e.mu.Lock()
	if res.RunID == "" {
		res.RunID = e.owner
	}
	last := res
	e.last = &last
	e.mu.Unlock()

	if res.Success {
		slog.Info("sidechannel: execution succeeded", "runID", res.RunID)
	} else {
		slog.Warn("sidechannel: execution failed", "runID", res.RunID, "error", res.Error)
	}

	var errs []error
	if e.root != nil {
		if err := e.root.WriteFile(e.resultFile, FormatResult(res)); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", e.resultFile, err))
		}
	}
	if e.recorder != nil {
		if err := e.recorder.SaveExecResult(ctx, res); err != nil {
			errs = append(errs, fmt.Errorf("persist exec result: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LastResult returns the most recent report, or nil.
func (e *Exec) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// FormatResult renders the text written to the result file.
func FormatResult(res Result) string {
	ts := res.ReceivedAt.UTC().Format(time.RFC3339Nano)
	if res.Success {
		out := res.Result
		if out == "" {
			out = "OK"
		}
		return fmt.Sprintf("EXECUTION SUCCESS at %s\n\nResult: %s", ts, out)
	}
	return fmt.Sprintf("EXECUTION ERROR at %s\n\nError: %s", ts, res.Error)
}
