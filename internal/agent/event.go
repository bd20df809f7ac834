// Package agent turns a coding agent subprocess into a stream of run events.
//
// Two backends are provided: ClaudeCLI reads the NDJSON stream of
// `claude -p --output-format stream-json`, and ACPSource drives any Agent
// Client Protocol agent over stdio.
package agent

import (
	"context"
	"fmt"
	"strings"
)

// EventKind discriminates Event.
type EventKind string

const (
	EventText      EventKind = "text"
	EventToolUse   EventKind = "tool_use"
	EventFileWrite EventKind = "file_write"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
)

// Event is one item of an agent's output stream.
type Event struct {
	Kind EventKind

	// EventText. Intermediate is set when the text came from a message that
	// also invoked tools.
	Text         string
	Intermediate bool

	// EventToolUse.
	Tool  string
	Input map[string]any

	// EventFileWrite. Content is set when the agent handed the file content
	// to the bridge rather than writing it itself.
	Path    string
	Content string

	// EventResult.
	Result *Result

	// EventError.
	Err error
}

// FilePath returns the file_path argument of a tool call, if any.
func (e Event) FilePath() string {
	if e.Input == nil {
		return ""
	}
	if p, ok := e.Input["file_path"].(string); ok {
		return p
	}
	return ""
}

// Result is the terminal summary an agent reports.
type Result struct {
	Summary string
	Turns   int
	CostUSD float64
	IsError bool
}

// Request describes one agent invocation.
type Request struct {
	Prompt  string
	WorkDir string
	Model   string
}

// Source starts an agent and streams its events. The returned channel is
// closed when the agent is finished; a failure is delivered as a final
// EventError. Cancelling ctx stops the agent.
type Source interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// StreamFailure describes an agent that could not be started or died.
type StreamFailure struct {
	Stage    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StreamFailure) Error() string {
	msg := fmt.Sprintf("agent %s failed", e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *StreamFailure) Unwrap() error {
	return e.Err
}

var friendlyNames = map[string]string{
	"Bash":      "Running command",
	"Read":      "Reading file",
	"Write":     "Writing file",
	"Edit":      "Editing file",
	"MultiEdit": "Editing file",
	"Glob":      "Finding files",
	"Grep":      "Searching code",
	"TodoRead":  "Reading todos",
	"TodoWrite": "Updating todos",
	"WebFetch":  "Fetching URL",
	"WebSearch": "Searching web",

	"studio.eval":                   "Running Lua code",
	"studio.selection.get":          "Reading selection",
	"studio.selection.set":          "Selecting instances",
	"studio.instances.tree":         "Reading instance tree",
	"studio.instances.getProps":     "Reading properties",
	"studio.instances.setProps":     "Setting properties",
	"studio.scripts.list":           "Listing scripts",
	"studio.scripts.read":           "Reading script",
	"studio.scripts.write":          "Writing script",
	"studio.scripts.create":         "Creating script",
	"studio.path.get":               "Reading path",
	"studio.path.start":             "Recording path",
	"studio.path.stop":              "Stopping path",
	"studio.path.clear":             "Clearing path",
	"studio.path.addPoint":          "Adding path point",
	"studio.pointer.get":            "Getting pointer",
	"studio.pointer.getLast":        "Getting pointer",
	"studio.pointer.capture":        "Capturing pointer",
	"studio.history.begin":          "Starting undo point",
	"studio.history.end":            "Saving undo point",
	"studio.history.undo":           "Undoing",
	"studio.history.redo":           "Redoing",
	"studio.logs.getHistory":        "Getting logs",
	"studio.logs.clear":             "Clearing logs",
	"studio.camera.get":             "Getting camera",
	"studio.camera.getModelsInView": "Finding models",
	"studio.camera.set":             "Moving camera",
	"studio.camera.focusOn":         "Focusing camera",
	"studio.captureViewport":        "Capturing screenshot",
	"studio.getPlaceInfo":           "Getting place info",
	"studio.getActiveScript":        "Getting active script",
	"studio.playtest.getStatus":     "Checking playtest status",
	"studio.playtest.run":           "Starting Run mode",
	"studio.playtest.stop":          "Stopping playtest",
	"runtime.memory.getStats":       "Getting memory stats",
	"runtime.perf.getStats":         "Getting perf stats",
	"cloud.place.publish":           "Publishing place",
}

// NormalizeToolName maps an MCP-qualified tool name such as
// mcp__studio-bridge__studio_eval back to studio.eval.
func NormalizeToolName(name string) string {
	if !strings.HasPrefix(name, "mcp__") {
		return name
	}
	rest := strings.TrimPrefix(name, "mcp__")
	if i := strings.Index(rest, "__"); i >= 0 {
		rest = rest[i+2:]
	}
	return strings.ReplaceAll(rest, "_", ".")
}

// ToolLabel returns a human-readable label for a tool name.
func ToolLabel(name string) string {
	name = NormalizeToolName(name)
	if label, ok := friendlyNames[name]; ok {
		return label
	}
	return name
}

// IsFileWriteTool reports whether a tool writes the file named by its
// file_path input.
func IsFileWriteTool(name string) bool {
	switch name {
	case "Write", "Edit", "MultiEdit":
		return true
	}
	return false
}
