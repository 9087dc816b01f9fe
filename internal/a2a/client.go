package a2a

import "context"

// Client is the interface for a client that submits tasks to a serve-mode
// agent.
type Client interface {
	// SendTask submits a task and returns its snapshot right away.
	SendTask(ctx context.Context, endpoint string, req TaskSendParams) (*Task, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, endpoint string, req TaskQueryParams) (*Task, error)

	// CancelTask cancels a task.
	CancelTask(ctx context.Context, endpoint string, req TaskIDParams) (*Task, error)

	// ListTasks queries retained tasks.
	ListTasks(ctx context.Context, endpoint string, req ListTasksParams) (*ListTasksResult, error)

	// DiscoverAgent fetches the Agent Card from the well-known URI.
	DiscoverAgent(ctx context.Context, baseURL string) (*AgentCard, error)
}
