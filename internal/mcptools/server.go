// Package mcptools bridges the serve-mode task service to the Model Context
// Protocol so MCP clients can submit, inspect and cancel tasks.
package mcptools

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/relay/internal/a2a"
)

// Path is where the streamable HTTP handler is mounted in serve mode.
const Path = "/mcp"

// NewTaskMCPServer creates an MCP server with the four task tools registered.
func NewTaskMCPServer(svc a2a.Handler, version string) *mcp.Server {
	if version == "" {
		version = "dev"
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "relay-tasks",
		Version: version,
	}, nil)

	tools := NewTaskTools(svc)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_task",
		Description: "Submit a task to the agent. Returns immediately with the task in the working state; poll get_task for the result.",
	}, tools.SendTask)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_task",
		Description: "Return the current state of a task, with its submission once completed or its error once failed or canceled.",
	}, tools.GetTask)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_task",
		Description: "Cancel a submitted or working task. Canceling a completed or failed task is an error.",
	}, tools.CancelTask)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List retained tasks, optionally filtered by session or state, in submission order.",
	}, tools.ListTasks)

	return server
}

// NewHandler serves server over streamable HTTP.
func NewHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)
}
