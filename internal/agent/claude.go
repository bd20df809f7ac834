package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	maxStreamLine   = 16 << 20
	eventBufferSize = 64
)

// ClaudeCLI runs `claude -p --output-format stream-json --verbose` and
// decodes its NDJSON output. The prompt is written to stdin.
type ClaudeCLI struct {
	Command string
	Args    []string
	Env     []string
}

// NewClaudeCLI creates a Claude CLI source. Extra args are appended after
// the streaming flags.
func NewClaudeCLI(command string, extraArgs []string) *ClaudeCLI {
	if command == "" {
		command = "claude"
	}
	return &ClaudeCLI{Command: command, Args: extraArgs}
}

func (c *ClaudeCLI) Name() string { return "claude" }

// Stream implements Source.
func (c *ClaudeCLI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, c.Args...)

	proc, err := StartProcess(ctx, ProcessConfig{
		Command: c.Command,
		Args:    args,
		Env:     c.Env,
		WorkDir: req.WorkDir,
	})
	if err != nil {
		return nil, &StreamFailure{Stage: "start", Err: err}
	}

	go func() {
		_, _ = io.WriteString(proc.Stdin(), req.Prompt)
		proc.Stdin().Close()
	}()

	out := newSink(ctx, eventBufferSize)
	go func() {
		defer out.close()

		sawResult, scanErr := decodeStream(proc.Stdout(), out.send)
		waitErr := proc.Wait()
		if ctx.Err() != nil {
			return
		}
		switch {
		case scanErr != nil:
			out.send(Event{Kind: EventError, Err: &StreamFailure{Stage: "stream", Err: scanErr, Stderr: proc.StderrTail()}})
		case waitErr != nil && !sawResult:
			out.send(Event{Kind: EventError, Err: &StreamFailure{
				Stage:    "exit",
				ExitCode: exitCode(waitErr),
				Stderr:   proc.StderrTail(),
				Err:      waitErr,
			}})
		}
	}()
	return out.ch, nil
}

type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// decodeStream reads NDJSON lines from r and emits events until EOF or emit
// refuses. Lines that are not JSON objects are skipped.
func decodeStream(r io.Reader, emit func(Event) bool) (sawResult bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Debug("agent: skipping malformed stream line", "error", err)
			continue
		}
		for _, ev := range eventsFromLine(msg) {
			if ev.Kind == EventResult {
				sawResult = true
			}
			if !emit(ev) {
				return sawResult, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sawResult, fmt.Errorf("read agent output: %w", err)
	}
	return sawResult, nil
}

func eventsFromLine(msg streamLine) []Event {
	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return nil
		}
		hasToolUse := false
		for _, b := range msg.Message.Content {
			if b.Type == "tool_use" {
				hasToolUse = true
				break
			}
		}
		var events []Event
		for _, b := range msg.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					events = append(events, Event{Kind: EventText, Text: b.Text, Intermediate: hasToolUse})
				}
			case "tool_use":
				events = append(events, Event{Kind: EventToolUse, Tool: b.Name, Input: b.Input})
			}
		}
		return events
	case "result":
		// An empty summary is filled in by the run orchestrator.
		summary := msg.Result
		turns := msg.NumTurns
		if turns == 0 {
			turns = 1
		}
		return []Event{{Kind: EventResult, Result: &Result{
			Summary: summary,
			Turns:   turns,
			CostUSD: msg.TotalCostUSD,
			IsError: msg.IsError,
		}}}
	default:
		return nil
	}
}
