package main

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/relay/internal/a2a"
	"github.com/dusk-indust/relay/internal/task"
)

func callCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Talk to a running relay serve endpoint",
	}
	cmd.PersistentFlags().StringVarP(&baseURL, "url", "u", "http://localhost:8080", "agent base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	client := func() *a2a.HTTPClient { return a2a.NewHTTPClient(a2a.WithTimeout(timeout)) }
	endpoint := func() string { return strings.TrimRight(baseURL, "/") + "/" }

	var sessionID string
	send := &cobra.Command{
		Use:   "send [text]",
		Short: "Submit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			t, err := client().SendTask(cmd.Context(), endpoint(), a2a.TaskSendParams{
				ID:        id,
				SessionID: sessionID,
				Message:   a2a.Message{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.TextPart(args[0])}},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	send.Flags().String("id", "", "task id (default: server-generated)")
	send.Flags().StringVar(&sessionID, "session", "", "session id")

	get := &cobra.Command{
		Use:   "get [taskId]",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().GetTask(cmd.Context(), endpoint(), a2a.TaskQueryParams{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel [taskId]",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().CancelTask(cmd.Context(), endpoint(), a2a.TaskIDParams{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}

	var listState string
	list := &cobra.Command{
		Use:   "list",
		Short: "List retained tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().ListTasks(cmd.Context(), endpoint(), a2a.ListTasksParams{
				SessionID: sessionID,
				State:     task.State(listState),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	list.Flags().StringVar(&sessionID, "session", "", "only tasks in this session")
	list.Flags().StringVar(&listState, "state", "", "only tasks in this state")

	card := &cobra.Command{
		Use:   "card",
		Short: "Fetch the agent card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client().DiscoverAgent(cmd.Context(), baseURL)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}

	cmd.AddCommand(send, get, cancel, list, card)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
