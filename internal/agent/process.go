package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const stderrTailSize = 4096

// Process is an agent subprocess speaking over stdin/stdout pipes.
type Process struct {
	name      string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    *tailBuffer
	startTime time.Time

	mu      sync.Mutex
	stopped bool

	waitOnce sync.Once
	waitErr  error
}

// ProcessConfig holds configuration for spawning an agent process.
type ProcessConfig struct {
	// Command is the binary to run (e.g. "claude" or "claude-code-acp").
	Command string
	Args    []string
	// Env is appended to the bridge's own environment.
	Env     []string
	WorkDir string
}

// StartProcess spawns the agent. Cancelling ctx kills it.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("Agent process started", "command", cfg.Command, "dir", cfg.WorkDir, "pid", cmd.Process.Pid)

	return &Process{
		name:      cfg.Command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout returns the reader from the agent's stdout.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// StderrTail returns the last few KB the agent wrote to stderr.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

// Wait waits for the process to exit. Safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		slog.Debug("Agent process exited", "command", p.name, "uptime", time.Since(p.startTime).Round(time.Millisecond), "error", p.waitErr)
	})
	return p.waitErr
}

// Stop kills the process and waits for it to exit.
func (p *Process) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.Wait()
}

// exitCode extracts the exit status from a Wait error, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
