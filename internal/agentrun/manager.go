// Package agentrun orchestrates agent runs: it starts an agent event stream,
// turns events into observer notifications and keeps a bounded log per run.
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/studio-bridge/internal/agent"
	"github.com/workspace/studio-bridge/internal/protocol"
)

const (
	// DefaultLogSize is the per-run log capacity. Override via RUN_LOG_SIZE.
	DefaultLogSize = 1000
	// DefaultMaxRuns caps retained runs. Override via AGENT_MAX_RUNS.
	DefaultMaxRuns = 100
	// DefaultArtifactDelay is how long to wait after the agent reports an
	// artifact write before reading the file back.
	DefaultArtifactDelay = 100 * time.Millisecond

	cancelledSummary = "Cancelled by user"
	intermediateMax  = 200
	execPreviewMax   = 100
	transcriptMax    = 2000
)

var (
	ErrEmptyTask   = errors.New("task is required")
	ErrRunNotFound = errors.New("run not found")
	ErrNoStream    = errors.New("agent stream ended without a result")
	ErrShutdown    = errors.New("bridge shutting down")
)

// Notifier broadcasts run events to observers.
type Notifier interface {
	ToObservers(msg protocol.Outbound) int
}

// ExecForwarder is the execute side channel.
type ExecForwarder interface {
	Artifact() string
	IsArtifact(path string) bool
	ReadArtifact() (string, error)
	Forward(runID, code string) error
	Release(runID string)
}

// Config configures a Manager.
type Config struct {
	Source        agent.Source
	WorkDir       string
	Model         string
	ResultFile    string
	LogSize       int
	MaxRuns       int
	ArtifactDelay time.Duration
}

// Manager owns all runs.
type Manager struct {
	cfg    Config
	notify Notifier
	exec   ExecForwarder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager creates a run manager.
func NewManager(cfg Config, n Notifier, exec ExecForwarder) *Manager {
	if cfg.LogSize <= 0 {
		cfg.LogSize = DefaultLogSize
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = DefaultMaxRuns
	}
	if cfg.ArtifactDelay <= 0 {
		cfg.ArtifactDelay = DefaultArtifactDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		notify: n,
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}
}

// Start launches a run in the background and returns it in the running state.
func (m *Manager) Start(req Request) (*Run, error) {
	if req.Task == "" {
		return nil, ErrEmptyTask
	}
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}

	run := newRun("run_"+uuid.NewString()[:8], req.Task, m.cfg.LogSize)
	runCtx, cancel := context.WithCancel(m.ctx)
	run.cancel = cancel

	m.mu.Lock()
	m.runs[run.ID] = run
	m.evictLocked()
	m.mu.Unlock()

	artifact, resultFile := "", m.cfg.ResultFile
	if m.exec != nil {
		artifact = m.exec.Artifact()
	}
	prompt := BuildPrompt(req, m.cfg.WorkDir, artifact, resultFile)

	m.notify.ToObservers(protocol.RunProgress{RunID: run.ID, State: string(StateRunning), FilesChanged: []string{}})
	m.log(run, "Task: "+req.Task)
	m.log(run, "Working directory: "+m.cfg.WorkDir)
	m.log(run, "Full prompt: "+truncate(prompt, intermediateMax))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.execute(runCtx, run, prompt)
	}()

	slog.Info("agentrun: run started", "runID", run.ID, "backend", m.cfg.Source.Name())
	return run, nil
}

// Get returns a run by id.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	return run, ok
}

// List returns snapshots of all retained runs, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()
	sortedByStart(runs)
	out := make([]Snapshot, len(runs))
	for i, r := range runs {
		out[i] = r.Snapshot()
	}
	return out
}

// Cancel requests cancellation. The run observes it at its next checkpoint.
// Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) (*Run, error) {
	run, ok := m.Get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.State().Terminal() {
		return run, nil
	}
	if !run.cancelRequested.CompareAndSwap(false, true) {
		return run, nil
	}
	m.notify.ToObservers(protocol.RunProgress{RunID: run.ID, State: string(StateCancelled), FilesChanged: run.fileList()})
	if run.cancel != nil {
		run.cancel()
	}
	return run, nil
}

// Logs returns a run's log entries from cursor on.
func (m *Manager) Logs(runID string, cursor uint64) ([]LogEntry, uint64, State, error) {
	run, ok := m.Get(runID)
	if !ok {
		return nil, 0, "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	entries, next := run.Logs(cursor)
	return entries, next, run.State(), nil
}

// Active returns the number of runs still in progress.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		if !r.State().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops every run and waits for their loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) execute(ctx context.Context, run *Run, prompt string) {
	events, err := m.cfg.Source.Stream(ctx, agent.Request{
		Prompt:  prompt,
		WorkDir: m.cfg.WorkDir,
		Model:   m.cfg.Model,
	})
	if err != nil {
		m.fail(run, err.Error())
		return
	}
	m.log(run, fmt.Sprintf("Using %s backend", m.cfg.Source.Name()))

	for {
		select {
		case <-ctx.Done():
			m.stopped(run)
			return
		case ev, ok := <-events:
			// Checkpoint: a cancel request wins over anything the agent
			// produced after it.
			if run.cancelRequested.Load() {
				m.stopped(run)
				return
			}
			if !ok {
				m.fail(run, ErrNoStream.Error())
				return
			}
			if m.handle(ctx, run, ev) {
				return
			}
		}
	}
}

// handle applies one event and reports whether the run finished.
func (m *Manager) handle(ctx context.Context, run *Run, ev agent.Event) bool {
	switch ev.Kind {
	case agent.EventText:
		run.appendTranscript(ev.Text)
		if ev.Intermediate {
			m.log(run, "Claude: "+truncate(ev.Text, intermediateMax))
		}

	case agent.EventToolUse:
		m.log(run, "Tool: "+agent.ToolLabel(ev.Tool))
		if path := ev.FilePath(); path != "" && agent.IsFileWriteTool(ev.Tool) {
			m.fileChanged(ctx, run, path, "")
		}

	case agent.EventFileWrite:
		m.fileChanged(ctx, run, ev.Path, ev.Content)

	case agent.EventResult:
		res := ev.Result
		if res == nil {
			res = &agent.Result{Turns: 1}
		}
		if res.IsError {
			msg := res.Summary
			if msg == "" {
				msg = "agent reported an error"
			}
			m.fail(run, msg)
			return true
		}
		m.succeed(run, res)
		return true

	case agent.EventError:
		msg := "agent failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		m.fail(run, msg)
		return true
	}
	return false
}

func (m *Manager) fileChanged(ctx context.Context, run *Run, path, content string) {
	files, added := run.addFile(path)
	if added {
		m.log(run, "Writing: "+path)
		m.notify.ToObservers(protocol.RunProgress{RunID: run.ID, State: string(StateRunning), FilesChanged: files})
	}
	if m.exec == nil || !m.exec.IsArtifact(path) {
		return
	}

	code := content
	if code == "" {
		// The agent wrote the file itself; give the write a moment to land.
		select {
		case <-time.After(m.cfg.ArtifactDelay):
		case <-ctx.Done():
			return
		}
		var err error
		code, err = m.exec.ReadArtifact()
		if err != nil {
			m.log(run, fmt.Sprintf("Failed to read %s: %v", m.exec.Artifact(), err))
			return
		}
	}
	if err := m.exec.Forward(run.ID, code); err != nil {
		m.log(run, "Execute skipped: "+err.Error())
		return
	}
	m.log(run, "Executing in Studio: "+truncate(code, execPreviewMax))
}

func (m *Manager) succeed(run *Run, res *agent.Result) {
	files := run.fileList()
	summary := res.Summary
	if summary == "" {
		summary = run.lastText()
	}
	if summary == "" {
		summary = "Task completed"
	}
	result := &Result{
		Success:      true,
		Summary:      summary,
		Turns:        res.Turns,
		CostUSD:      res.CostUSD,
		FilesChanged: files,
	}
	m.log(run, "Completed: "+truncate(summary, execPreviewMax))
	if !run.finish(StateDone, summary, "", result) {
		return
	}
	m.terminal(run, protocol.RunDone{
		RunID:        run.ID,
		Success:      true,
		Summary:      summary,
		FilesChanged: files,
		CostUSD:      res.CostUSD,
	})
}

func (m *Manager) fail(run *Run, msg string) {
	m.log(run, "Error: "+msg)
	if !run.finish(StateError, msg, msg, nil) {
		return
	}
	m.terminal(run, protocol.RunDone{RunID: run.ID, Success: false, Summary: msg, FilesChanged: run.fileList()})
}

// stopped finishes a run whose context ended, either by user cancel or by
// manager shutdown.
func (m *Manager) stopped(run *Run) {
	if !run.cancelRequested.Load() {
		m.fail(run, ErrShutdown.Error())
		return
	}
	m.log(run, "Run cancelled")
	if !run.finish(StateCancelled, cancelledSummary, "", nil) {
		return
	}
	m.terminal(run, protocol.RunDone{RunID: run.ID, Success: false, Summary: cancelledSummary, FilesChanged: run.fileList()})
}

func (m *Manager) terminal(run *Run, done protocol.RunDone) {
	if m.exec != nil {
		m.exec.Release(run.ID)
	}
	m.notify.ToObservers(done)
	slog.Info("agentrun: run finished", "runID", run.ID, "state", string(run.State()), "success", done.Success)

	m.mu.Lock()
	m.evictLocked()
	m.mu.Unlock()
}

func (m *Manager) log(run *Run, message string) {
	entry := LogEntry{Timestamp: time.Now().UnixMilli(), Message: message}
	run.logs.Append(entry)
	slog.Debug("agentrun: log", "runID", run.ID, "message", message)
	m.notify.ToObservers(protocol.RunLog{RunID: run.ID, Timestamp: entry.Timestamp, Message: message})
}

// evictLocked drops the oldest terminal runs beyond MaxRuns. Running runs
// are never evicted.
func (m *Manager) evictLocked() {
	excess := len(m.runs) - m.cfg.MaxRuns
	if excess <= 0 {
		return
	}
	finished := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		if r.State().Terminal() {
			finished = append(finished, r)
		}
	}
	sortedByStart(finished)
	for i := 0; i < excess && i < len(finished); i++ {
		delete(m.runs, finished[i].ID)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
