package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/studio-bridge/internal/workspace"
)

// DefaultACPInitTimeout bounds the Initialize and NewSession handshake.
const DefaultACPInitTimeout = 30 * time.Second

// ACPSource runs an Agent Client Protocol agent over stdio. File reads and
// writes the agent requests are served from the bridge root.
type ACPSource struct {
	Command     string
	Args        []string
	Env         []string
	Root        *workspace.Root
	InitTimeout time.Duration
}

// NewACPSource creates an ACP-backed source.
func NewACPSource(command string, args []string, root *workspace.Root) *ACPSource {
	if command == "" {
		command = "claude-code-acp"
	}
	return &ACPSource{Command: command, Args: args, Root: root, InitTimeout: DefaultACPInitTimeout}
}

func (a *ACPSource) Name() string { return "acp" }

// Stream implements Source.
func (a *ACPSource) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	env := a.Env
	if req.Model != "" {
		env = append(append([]string(nil), env...), "ANTHROPIC_MODEL="+req.Model)
	}
	proc, err := StartProcess(ctx, ProcessConfig{
		Command: a.Command,
		Args:    a.Args,
		Env:     env,
		WorkDir: req.WorkDir,
	})
	if err != nil {
		return nil, &StreamFailure{Stage: "start", Err: err}
	}

	out := newSink(ctx, eventBufferSize)
	client := &acpClient{root: a.Root, emit: out.send}
	conn := acpsdk.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	go func() {
		defer out.close()
		defer proc.Stop()

		fail := func(stage string, err error) {
			if ctx.Err() != nil {
				return
			}
			out.send(Event{Kind: EventError, Err: &StreamFailure{Stage: stage, Err: err, Stderr: proc.StderrTail()}})
		}

		initTimeout := a.InitTimeout
		if initTimeout <= 0 {
			initTimeout = DefaultACPInitTimeout
		}
		initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
		defer initCancel()

		slog.Info("ACP: sending Initialize request", "command", a.Command)
		if _, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
			ProtocolVersion: acpsdk.ProtocolVersionNumber,
			ClientCapabilities: acpsdk.ClientCapabilities{
				Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			},
		}); err != nil {
			fail("initialize", err)
			return
		}

		sess, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        req.WorkDir,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			fail("new session", err)
			return
		}
		slog.Info("ACP: NewSession succeeded", "sessionID", string(sess.SessionId))

		resp, err := conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: sess.SessionId,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(req.Prompt)},
		})
		if err != nil {
			fail("prompt", err)
			return
		}
		slog.Info("ACP: Prompt completed", "stopReason", string(resp.StopReason))

		out.send(Event{Kind: EventResult, Result: &Result{
			Summary: client.transcript(),
			Turns:   client.turnCount(),
			IsError: resp.StopReason == acpsdk.StopReasonRefusal,
		}})
	}()
	return out.ch, nil
}

// acpClient implements the acp-go-sdk Client interface, translating session
// updates into run events.
type acpClient struct {
	root *workspace.Root
	emit func(Event) bool

	mu    sync.Mutex
	text  strings.Builder
	turns int
}

func (c *acpClient) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.text.String())
}

func (c *acpClient) turnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turns == 0 {
		return 1
	}
	return c.turns
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	u := params.Update

	if u.AgentMessageChunk != nil {
		if block := u.AgentMessageChunk.Content; block.Text != nil && block.Text.Text != "" {
			c.mu.Lock()
			c.text.WriteString(block.Text.Text)
			c.mu.Unlock()
			c.emit(Event{Kind: EventText, Text: block.Text.Text})
		}
	}

	if u.ToolCall != nil {
		c.mu.Lock()
		c.turns++
		c.mu.Unlock()

		name := u.ToolCall.Title
		if name == "" {
			name = string(u.ToolCall.Kind)
		}
		input := map[string]any{"kind": string(u.ToolCall.Kind)}
		var paths []string
		for _, loc := range u.ToolCall.Locations {
			paths = append(paths, loc.Path)
		}
		if len(paths) > 0 {
			input["locations"] = paths
		}
		c.emit(Event{Kind: EventToolUse, Tool: name, Input: input})
	}
	return nil
}

func (c *acpClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if c.root == nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file access not configured")
	}
	content, err := c.root.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if c.root == nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file access not configured")
	}
	if err := c.root.WriteFile(params.Path, params.Content); err != nil {
		slog.Error("WriteTextFile error", "path", params.Path, "error", err)
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %w", params.Path, err)
	}
	c.emit(Event{Kind: EventFileWrite, Path: params.Path, Content: params.Content})
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
