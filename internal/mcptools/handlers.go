package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/relay/internal/a2a"
	"github.com/dusk-indust/relay/internal/task"
)

const defaultPageSize = 50

// TaskTools exposes a task service as MCP tool handlers.
type TaskTools struct {
	svc a2a.Handler
}

// NewTaskTools wraps svc.
func NewTaskTools(svc a2a.Handler) *TaskTools {
	return &TaskTools{svc: svc}
}

// SendTask submits a task for execution and returns it in its current state.
func (tt *TaskTools) SendTask(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SendTaskInput,
) (*mcp.CallToolResult, TaskOutput, error) {
	if input.Text == "" {
		return nil, TaskOutput{}, fmt.Errorf("text is required")
	}
	t, err := tt.svc.HandleSendTask(ctx, a2a.TaskSendParams{
		ID:        input.ID,
		SessionID: input.SessionID,
		Message:   a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart(input.Text)}},
		Metadata:  input.Context,
	})
	if err != nil {
		return nil, TaskOutput{}, err
	}
	return nil, TaskOutput{Task: summarize(t)}, nil
}

// GetTask returns a task by id.
func (tt *TaskTools) GetTask(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetTaskInput,
) (*mcp.CallToolResult, TaskOutput, error) {
	if input.ID == "" {
		return nil, TaskOutput{}, fmt.Errorf("id is required")
	}
	t, err := tt.svc.HandleGetTask(ctx, a2a.TaskQueryParams{ID: input.ID})
	if err != nil {
		return nil, TaskOutput{}, err
	}
	return nil, TaskOutput{Task: summarize(t)}, nil
}

// CancelTask cancels a submitted or working task.
func (tt *TaskTools) CancelTask(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input CancelTaskInput,
) (*mcp.CallToolResult, TaskOutput, error) {
	if input.ID == "" {
		return nil, TaskOutput{}, fmt.Errorf("id is required")
	}
	t, err := tt.svc.HandleCancelTask(ctx, a2a.TaskIDParams{ID: input.ID})
	if err != nil {
		return nil, TaskOutput{}, err
	}
	return nil, TaskOutput{Task: summarize(t)}, nil
}

// ListTasks pages through retained tasks.
func (tt *TaskTools) ListTasks(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListTasksInput,
) (*mcp.CallToolResult, ListTasksOutput, error) {
	state := task.State(input.State)
	if state != "" && !state.Valid() {
		return nil, ListTasksOutput{}, fmt.Errorf("unknown state %q", input.State)
	}
	size := input.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	res, err := tt.svc.HandleListTasks(ctx, a2a.ListTasksParams{
		SessionID: input.SessionID,
		State:     state,
		PageSize:  size,
		PageToken: input.PageToken,
	})
	if err != nil {
		return nil, ListTasksOutput{}, err
	}
	out := ListTasksOutput{
		Tasks:         make([]TaskSummary, 0, len(res.Tasks)),
		Total:         res.TotalSize,
		NextPageToken: res.NextPageToken,
	}
	for i := range res.Tasks {
		out.Tasks = append(out.Tasks, summarize(&res.Tasks[i]))
	}
	return nil, out, nil
}
