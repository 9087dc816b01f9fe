package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/relay/internal/config"
	"github.com/dusk-indust/relay/internal/executor"
	"github.com/dusk-indust/relay/internal/task"
)

func execCmd(opts *options) *cobra.Command {
	var (
		taskText string
		taskID   string
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a single task locally and print its result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModeExec)
			if err != nil {
				return err
			}
			flush, err := setupTracing(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer flush()

			exec, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			return runExec(cmd.Context(), cmd.OutOrStdout(), exec, task.New(taskID, taskText, nil))
		},
	}
	cmd.Flags().StringVarP(&taskText, "task", "t", "", "task instruction")
	cmd.Flags().StringVar(&taskID, "id", "", "task id (default: generated)")
	_ = cmd.MarkFlagRequired("task")
	opts.addModelFlags(cmd)
	return cmd
}

type execReport struct {
	TaskID string       `json:"task_id"`
	State  task.State   `json:"state"`
	Result *task.Result `json:"result,omitempty"`
}

// runExec drives t through its lifecycle with exec and writes the report to
// w. A failed task is reported and returned as an error.
func runExec(ctx context.Context, w io.Writer, exec *executor.Adapter, t *task.Task) error {
	if err := t.Start(); err != nil {
		return err
	}
	out := exec.Execute(ctx, executor.RequestFor(t))
	if err := t.Apply(out); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(execReport{TaskID: t.ID, State: t.State, Result: t.Result}); err != nil {
		return err
	}
	if t.State == task.StateFailed {
		if out.Err == nil {
			out.Err = errors.New("task failed")
		}
		return fmt.Errorf("task %s failed: %w", t.ID, out.Err)
	}
	return nil
}
