package agentrun

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/studio-bridge/internal/ringbuf"
)

// State is the lifecycle state of a run. running is the only non-terminal
// state and a terminal state is never left.
type State string

const (
	StateRunning   State = "running"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCancelled
}

// Result is the outcome of a finished run.
type Result struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary"`
	Turns        int      `json:"turns"`
	CostUSD      float64  `json:"costUsd"`
	FilesChanged []string `json:"filesChanged"`
}

// LogEntry is one line of a run's log.
type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Snapshot is a point-in-time copy of a run for status reporting.
type Snapshot struct {
	RunID        string     `json:"runId"`
	Task         string     `json:"task"`
	State        State      `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	FilesChanged []string   `json:"filesChanged"`
	Summary      string     `json:"summary,omitempty"`
	Error        string     `json:"error,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	LogCount     uint64     `json:"logCount"`
}

// Run is one agent invocation.
type Run struct {
	ID        string
	Task      string
	StartedAt time.Time

	cancelRequested atomic.Bool
	cancel          context.CancelFunc
	done            chan struct{}

	logs *ringbuf.Ring[LogEntry]

	mu           sync.Mutex
	state        State
	endedAt      *time.Time
	files        map[string]struct{}
	filesChanged []string
	summary      string
	errMsg       string
	result       *Result
	// transcript keeps the tail of the agent's text, at most transcriptMax
	// runes.
	transcript string
}

func newRun(id, task string, logSize int) *Run {
	return &Run{
		ID:        id,
		Task:      task,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		logs:      ringbuf.New[LogEntry](logSize),
		state:     StateRunning,
		files:     make(map[string]struct{}),
	}
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the run's observable fields.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		RunID:        r.ID,
		Task:         r.Task,
		State:        r.state,
		StartedAt:    r.StartedAt,
		FilesChanged: append([]string{}, r.filesChanged...),
		Summary:      r.summary,
		Error:        r.errMsg,
		LogCount:     r.logs.Total(),
	}
	if r.endedAt != nil {
		t := *r.endedAt
		snap.EndedAt = &t
	}
	if r.result != nil {
		res := *r.result
		res.FilesChanged = append([]string{}, r.result.FilesChanged...)
		snap.Result = &res
	}
	return snap
}

// Logs returns entries from cursor on and the cursor for the next read.
func (r *Run) Logs(cursor uint64) ([]LogEntry, uint64) {
	return r.logs.Since(cursor)
}

func (r *Run) addFile(path string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[path]; ok {
		return append([]string{}, r.filesChanged...), false
	}
	r.files[path] = struct{}{}
	r.filesChanged = append(r.filesChanged, path)
	return append([]string{}, r.filesChanged...), true
}

func (r *Run) fileList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.filesChanged...)
}

func (r *Run) appendTranscript(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transcript != "" {
		text = r.transcript + "\n" + text
	}
	if rs := []rune(text); len(rs) > transcriptMax {
		text = string(rs[len(rs)-transcriptMax:])
	}
	r.transcript = text
}

func (r *Run) lastText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

// finish moves the run to a terminal state. It returns false if the run was
// already terminal, which makes run.done exactly-once.
func (r *Run) finish(state State, summary, errMsg string, result *Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	now := time.Now().UTC()
	r.state = state
	r.endedAt = &now
	r.summary = summary
	r.errMsg = errMsg
	r.result = result
	close(r.done)
	return true
}

func sortedByStart(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
}
