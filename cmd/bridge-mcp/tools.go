package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/workspace/studio-bridge/internal/client"
)

const (
	toolDevtoolsCall = "devtools_call"
	toolAgentRun     = "agent_run"
	toolAgentStatus  = "agent_status"
	toolAgentCancel  = "agent_cancel"
	toolBridgeHealth = "bridge_health"
)

// passthrough is a plugin tool exposed under its own name. Arguments are
// sent to the plugin unchanged as the call params.
type passthrough struct {
	name        string
	description string
}

var passthroughTools = []passthrough{
	{"studio.instances.tree", "Get the instance hierarchy under a path"},
	{"studio.instances.getProps", "Read properties of an instance"},
	{"studio.instances.setProps", "Set properties on an instance"},
	{"studio.instances.create", "Create an instance under a parent"},
	{"studio.instances.delete", "Delete an instance"},
	{"studio.getActiveScriptSource", "Get the source of the script open in the editor"},
	{"studio.getStudioInfo", "Get Studio version and place information"},
	{"studio.selection.get", "Get the current selection"},
}

// forwarder implements the MCP tools on top of the bridge HTTP API.
type forwarder struct {
	api *client.Client
}

// newMCPServer creates the MCP server with every bridge tool registered.
func newMCPServer(api *client.Client, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"studio-bridge",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	f := &forwarder{api: api}

	s.AddTool(mcp.NewTool(toolDevtoolsCall,
		mcp.WithDescription("Run any devtools tool inside the connected Studio plugin"),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Plugin tool name, e.g. studio.instances.tree"),
		),
		mcp.WithObject("params",
			mcp.Description("Tool parameters"),
		),
		mcp.WithNumber("timeoutMs",
			mcp.Description("Call timeout in milliseconds (bridge default when omitted)"),
		),
	), f.devtoolsCall)

	s.AddTool(mcp.NewTool(toolAgentRun,
		mcp.WithDescription("Start a background agent run against the bridge repository"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task instruction for the agent"),
		),
		mcp.WithArray("focusFiles",
			mcp.Description("Files the agent should focus on"),
			mcp.WithStringItems(),
		),
	), f.agentRun)

	s.AddTool(mcp.NewTool(toolAgentStatus,
		mcp.WithDescription("Get the state, files changed and result of an agent run"),
		mcp.WithString("runId",
			mcp.Required(),
			mcp.Description("Run id returned by agent_run"),
		),
	), f.agentStatus)

	s.AddTool(mcp.NewTool(toolAgentCancel,
		mcp.WithDescription("Cancel a running agent run"),
		mcp.WithString("runId",
			mcp.Required(),
			mcp.Description("Run id returned by agent_run"),
		),
	), f.agentCancel)

	s.AddTool(mcp.NewTool(toolBridgeHealth,
		mcp.WithDescription("Report whether the bridge is up and Studio is connected"),
	), f.health)

	for _, p := range passthroughTools {
		s.AddTool(mcp.NewTool(p.name, mcp.WithDescription(p.description)), f.forward(p.name))
	}
	return s
}

func (f *forwarder) devtoolsCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tool, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var params json.RawMessage
	if raw, ok := request.GetArguments()["params"]; ok && raw != nil {
		params, err = json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", err)), nil
		}
	}
	timeout := time.Duration(request.GetFloat("timeoutMs", 0)) * time.Millisecond

	return f.call(ctx, tool, params, timeout), nil
}

// forward returns a handler that calls tool with the request arguments.
func (f *forwarder) forward(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		return f.call(ctx, tool, params, 0), nil
	}
}

func (f *forwarder) call(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) *mcp.CallToolResult {
	res, err := f.api.Call(ctx, tool, params, timeout)
	if err != nil {
		if res != nil && res.Error != "" {
			return mcp.NewToolResultError(res.Error)
		}
		return mcp.NewToolResultError(err.Error())
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "Plugin call failed"
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultText(string(res.Result))
}

func (f *forwarder) agentRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var extra map[string]interface{}
	if files := request.GetStringSlice("focusFiles", nil); len(files) > 0 {
		extra = map[string]interface{}{"scope": map[string]interface{}{"focusFiles": files}}
	}

	started, err := f.api.StartRun(ctx, task, extra)
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return jsonResult(map[string]interface{}{
		"runId":     started.RunID,
		"startedAt": started.StartedAt,
	})
}

func (f *forwarder) agentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := f.api.RunStatus(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (f *forwarder) agentCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := f.api.CancelRun(ctx, runID); err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return mcp.NewToolResultText("cancelled " + runID), nil
}

func (f *forwarder) health(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, err := f.api.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError("bridge unreachable: " + err.Error()), nil
	}
	return jsonResult(h)
}

// describe prefers the bridge's own error message.
func describe(err error) string {
	var se *client.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
