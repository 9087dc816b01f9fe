package mcptools

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/relay/internal/a2a"
	"github.com/dusk-indust/relay/internal/agent"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/task"
)

type execFunc func(ctx context.Context, req executor.Request) task.Outcome

func (f execFunc) Execute(ctx context.Context, req executor.Request) task.Outcome { return f(ctx, req) }

// waitOrCancel completes tasks whose text is "quick" and blocks the rest
// until canceled.
func waitOrCancel(ctx context.Context, req executor.Request) task.Outcome {
	if req.Description == "quick" {
		return task.Success(task.Result{ExitStatus: task.ExitSubmitted, Submission: "42"})
	}
	<-ctx.Done()
	return task.Canceled(context.Cause(ctx), task.Result{})
}

// setupServerClient wires an MCP server and client together using in-memory
// transports around a real task service.
func setupServerClient(t *testing.T) *mcp.ClientSession {
	t.Helper()

	svc := agent.NewService(agent.NewCard(agent.CardConfig{Name: "test"}), execFunc(waitOrCancel))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	server := NewTaskMCPServer(svc, "test")

	st, ct := mcp.NewInMemoryTransports()
	ctx := context.Background()

	_, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool[Out any](t *testing.T, session *mcp.ClientSession, name string, args any) (Out, *mcp.CallToolResult) {
	t.Helper()
	var out Out
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if result.IsError {
		return out, result
	}
	require.NotNil(t, result.StructuredContent, "expected structured content from %s", name)
	raw, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out))
	return out, result
}

func TestMCPListTools(t *testing.T) {
	session := setupServerClient(t)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	sort.Strings(names)
	assert.Equal(t, []string{"cancel_task", "get_task", "list_tasks", "send_task"}, names)
}

func TestMCPSendAndGet(t *testing.T) {
	session := setupServerClient(t)

	sent, res := callTool[TaskOutput](t, session, "send_task", SendTaskInput{ID: "t1", Text: "quick"})
	require.False(t, res.IsError)
	assert.Equal(t, "t1", sent.Task.ID)

	require.Eventually(t, func() bool {
		got, res := callTool[TaskOutput](t, session, "get_task", GetTaskInput{ID: "t1"})
		return !res.IsError && got.Task.State == string(task.StateCompleted) && got.Task.Submission == "42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMCPCancel(t *testing.T) {
	session := setupServerClient(t)

	_, res := callTool[TaskOutput](t, session, "send_task", SendTaskInput{ID: "t2", Text: "slow"})
	require.False(t, res.IsError)

	canceled, res := callTool[TaskOutput](t, session, "cancel_task", CancelTaskInput{ID: "t2"})
	require.False(t, res.IsError)
	assert.Equal(t, string(task.StateCanceled), canceled.Task.State)
	assert.Equal(t, agent.ErrCanceledByRequest.Error(), canceled.Task.Message)
}

func TestMCPList(t *testing.T) {
	session := setupServerClient(t)

	for _, id := range []string{"a", "b", "c"} {
		_, res := callTool[TaskOutput](t, session, "send_task", SendTaskInput{ID: id, SessionID: "s", Text: "slow"})
		require.False(t, res.IsError)
	}

	page, res := callTool[ListTasksOutput](t, session, "list_tasks", ListTasksInput{SessionID: "s", PageSize: 2})
	require.False(t, res.IsError)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Tasks, 2)
	assert.Equal(t, "a", page.Tasks[0].ID)
	assert.NotEmpty(t, page.NextPageToken)

	_, res = callTool[ListTasksOutput](t, session, "list_tasks", ListTasksInput{State: "sleeping"})
	assert.True(t, res.IsError)
}

func TestMCPErrorsAreToolErrors(t *testing.T) {
	session := setupServerClient(t)

	_, res := callTool[TaskOutput](t, session, "get_task", GetTaskInput{ID: "missing"})
	assert.True(t, res.IsError, "unknown task")

	_, res = callTool[TaskOutput](t, session, "send_task", SendTaskInput{ID: "x"})
	assert.True(t, res.IsError, "missing text")
}

func TestMCPCallUnknownTool(t *testing.T) {
	session := setupServerClient(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "nonexistent_tool",
		Arguments: map[string]any{},
	})
	if err != nil {
		return
	}
	require.NotNil(t, result)
	assert.True(t, result.IsError, "calling an unknown tool should set IsError")
}

func TestNewHandlerMountsOnServiceRoutes(t *testing.T) {
	svc := agent.NewService(agent.NewCard(agent.CardConfig{Name: "test"}), execFunc(waitOrCancel))
	svc.Handle(Path, NewHandler(NewTaskMCPServer(svc, "")))
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	card, err := a2a.NewHTTPClient().DiscoverAgent(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "test", card.Name)

	resp, err := srv.Client().Get(srv.URL + Path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, 404, resp.StatusCode)
}
