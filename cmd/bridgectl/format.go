package main

import (
	"fmt"
	"strings"
)

// formatFrame renders a socket frame as one human-readable line.
func formatFrame(f *frame) string {
	switch f.Type {
	case "log":
		text := f.Text
		if text == "" {
			text = f.Message
		}
		return levelTag(f.Level) + " " + text
	case "status":
		return "Studio " + f.Studio
	case "result":
		if f.OK != nil && !*f.OK {
			return fmt.Sprintf("%s failed: %s", f.Cmd, f.Info)
		}
		if f.Info != "" {
			return fmt.Sprintf("%s ok: %s", f.Cmd, f.Info)
		}
		return f.Cmd + " ok"
	case "error":
		if f.Cmd != "" {
			return fmt.Sprintf("error (%s): %s", f.Cmd, f.Error)
		}
		return "error: " + f.Error
	case "run.log":
		return fmt.Sprintf("[%s] %s", f.RunID, f.Message)
	case "run.progress":
		return fmt.Sprintf("[%s] %s", f.RunID, f.State)
	case "run.done":
		outcome := "done"
		if !f.Success {
			outcome = "failed"
		}
		return fmt.Sprintf("[%s] %s: %s", f.RunID, outcome, f.Summary)
	case "session.switched":
		return fmt.Sprintf("Session switched %s -> %s (%s)", orNone(f.Prev), f.Key, f.Place)
	case "devtools.call":
		return "call " + f.Tool
	case "studio.exec":
		return "exec sent to Studio"
	default:
		return string(f.Raw)
	}
}

// levelTag maps Studio message types ("Warning", "MessageWarning", ...) to
// a short tag.
func levelTag(level string) string {
	switch strings.TrimPrefix(level, "Message") {
	case "Error":
		return "[ERROR]"
	case "Warning":
		return "[WARN]"
	case "Info":
		return "[INFO]"
	case "Output":
		return "[OUT]"
	case "":
		return "[LOG]"
	default:
		return "[" + level + "]"
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
