package agentrun

import (
	"fmt"
	"strings"
)

// Scope narrows the files an agent should focus on.
type Scope struct {
	FocusFiles []string `json:"focusFiles,omitempty"`
}

// Vec3 is a world-space position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) String() string {
	return fmt.Sprintf("Vector3.new(%.1f, %.1f, %.1f)", v.X, v.Y, v.Z)
}

// PathPoint is one point of a path the user drew in the editor.
type PathPoint struct {
	Position Vec3 `json:"position"`
}

// Pointer is a position the user marked, optionally on an instance.
type Pointer struct {
	Position *Vec3 `json:"position,omitempty"`
	Instance *struct {
		Path string `json:"path"`
	} `json:"instance,omitempty"`
}

// Context is editor context gathered from the plugin to ground a task.
type Context struct {
	Path *struct {
		Points []PathPoint `json:"points"`
	} `json:"path,omitempty"`
	Pointer      *Pointer `json:"pointer,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Selection    []string `json:"selection,omitempty"`
	APIReference string   `json:"apiReference,omitempty"`
}

// Request starts a run.
type Request struct {
	Task    string   `json:"task"`
	Scope   *Scope   `json:"scope,omitempty"`
	Context *Context `json:"context,omitempty"`
}

// ExpandTask appends the scope and editor context to the task text.
func ExpandTask(req Request) string {
	var b strings.Builder
	b.WriteString(req.Task)

	if req.Scope != nil && len(req.Scope.FocusFiles) > 0 {
		fmt.Fprintf(&b, "\n\nFocus on these files: %s", strings.Join(req.Scope.FocusFiles, ", "))
	}

	c := req.Context
	if c == nil {
		return b.String()
	}
	if c.Path != nil && len(c.Path.Points) > 0 {
		fmt.Fprintf(&b, "\n\n=== USER DREW A PATH (%d points) ===\n", len(c.Path.Points))
		b.WriteString("IMPORTANT: Use these EXACT coordinates when placing objects!\n")
		for i, pt := range c.Path.Points {
			fmt.Fprintf(&b, "Point %d: %s\n", i+1, pt.Position)
		}
		b.WriteString("Use these points to create objects along the path or within the area they define.\n")
	}
	if c.Pointer != nil && c.Pointer.Position != nil {
		b.WriteString("\n\n=== USER MARKED A POSITION ===\n")
		fmt.Fprintf(&b, "Position: %s\n", *c.Pointer.Position)
		if c.Pointer.Instance != nil && c.Pointer.Instance.Path != "" {
			fmt.Fprintf(&b, "On instance: %s\n", c.Pointer.Instance.Path)
		}
		b.WriteString("Use this EXACT position when the user says \"here\" or \"at this spot\".\n")
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "\n\nNotes: %s", c.Notes)
	}
	if len(c.Selection) > 0 {
		fmt.Fprintf(&b, "\n\nSelected instances: %s", strings.Join(c.Selection, ", "))
	}
	if c.APIReference != "" {
		fmt.Fprintf(&b, "\n\n%s", c.APIReference)
	}
	return b.String()
}

// BuildPrompt wraps the expanded task with instructions for the execute
// artifact protocol.
func BuildPrompt(req Request, workDir, artifact, resultFile string) string {
	selection := "none"
	if req.Context != nil && len(req.Context.Selection) > 0 {
		selection = strings.Join(req.Context.Selection, ", ")
	}

	var b strings.Builder
	b.WriteString("You are a Roblox Studio assistant. You can run Lua code directly inside the open Studio session.\n\n")
	fmt.Fprintf(&b, "Your working directory is %q. Only write files there, using relative paths.\n\n", workDir)
	b.WriteString("TO RUN CODE IN STUDIO:\n")
	fmt.Fprintf(&b, "1. Write the Lua code to %q (relative path only). It is executed in Studio automatically.\n", artifact)
	fmt.Fprintf(&b, "2. Then read %q to see whether it succeeded, and fix the code if it failed.\n\n", resultFile)
	b.WriteString("Use print() to report what the code did. The code runs with full access to game services.\n")
	fmt.Fprintf(&b, "The selected instances are: %s\n\n", selection)
	b.WriteString("User request: ")
	b.WriteString(ExpandTask(req))
	return b.String()
}
