package mcptools

import (
	"time"

	"github.com/dusk-indust/relay/internal/a2a"
)

// SendTaskInput is the input for the send_task MCP tool.
type SendTaskInput struct {
	ID        string         `json:"id,omitempty" jsonschema:"task id; generated when empty. Resending a known id returns the existing task"`
	SessionID string         `json:"sessionId,omitempty" jsonschema:"session to group related tasks"`
	Text      string         `json:"text" jsonschema:"the task instruction"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"extra structured context passed to the agent"`
}

// GetTaskInput is the input for the get_task MCP tool.
type GetTaskInput struct {
	ID string `json:"id" jsonschema:"task id"`
}

// CancelTaskInput is the input for the cancel_task MCP tool.
type CancelTaskInput struct {
	ID string `json:"id" jsonschema:"task id"`
}

// ListTasksInput is the input for the list_tasks MCP tool.
type ListTasksInput struct {
	SessionID string `json:"sessionId,omitempty" jsonschema:"only tasks in this session"`
	State     string `json:"state,omitempty" jsonschema:"only tasks in this state: submitted, working, completed, failed, canceled"`
	PageSize  int    `json:"pageSize,omitempty" jsonschema:"maximum tasks per page (default: 50)"`
	PageToken string `json:"pageToken,omitempty" jsonschema:"token from a previous page"`
}

// TaskSummary is the flattened view of a task returned by the tools.
type TaskSummary struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId,omitempty"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
	Submission string `json:"submission,omitempty"`
	UpdatedAt  string `json:"updatedAt"`
}

// TaskOutput is the result of send_task, get_task and cancel_task.
type TaskOutput struct {
	Task TaskSummary `json:"task"`
}

// ListTasksOutput is the result of the list_tasks MCP tool.
type ListTasksOutput struct {
	Tasks         []TaskSummary `json:"tasks"`
	Total         int           `json:"total"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

func summarize(t *a2a.Task) TaskSummary {
	s := TaskSummary{
		ID:        t.ID,
		SessionID: t.SessionID,
		State:     string(t.Status.State),
		UpdatedAt: t.Status.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if t.Status.Message != nil {
		s.Message = t.Status.Message.Text()
	}
	for _, a := range t.Artifacts {
		if a.Name == "submission" && len(a.Parts) > 0 {
			s.Submission = a.Parts[0].Text
		}
	}
	return s
}
