package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/task"
)

// Markers a command prints as its first output line to end the task.
var submitMarkers = []string{"COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT", "MINI_SWE_AGENT_FINAL_OUTPUT"}

var commandBlock = regexp.MustCompile("(?s)```(?:bash|mswea_bash_command)\\s*\\n(.*?)\\n```")

// DefaultSystemPrompt is used when StepLoop.SystemPrompt is empty.
const DefaultSystemPrompt = `You are a software engineering agent working in a shell.
Reply with a short thought followed by exactly one bash code block containing the next command to run.
When the work is done, run: echo COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT && <command that prints your final output>`

const formatErrorPrompt = `Your reply must contain exactly one bash code block, found %d.
Reply with a short thought followed by a single block of the form:

` + "```bash\n<command>\n```"

// StepLoop is the default Runner: query the model, run the single command it
// proposes, feed the output back, repeat until the submit marker appears.
type StepLoop struct {
	Model        Model
	Env          Environment
	SystemPrompt string

	StepLimit int     // 0 means unlimited
	CostLimit float64 // 0 means unlimited

	// ModelAttempts bounds tries per model call for transient errors.
	ModelAttempts int
	RetryInterval time.Duration
}

type trajectory struct {
	TaskID   string    `json:"task_id"`
	Messages []Message `json:"messages"`
	Steps    int       `json:"steps"`
	Cost     float64   `json:"cost"`
}

// Run implements Runner.
func (l *StepLoop) Run(ctx context.Context, req Request) (task.Result, error) {
	system := l.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	traj := &trajectory{
		TaskID:   req.TaskID,
		Messages: []Message{{Role: "system", Content: system}},
	}
	prompt := renderInstance(req)

	for {
		if err := ctx.Err(); err != nil {
			return traj.partial(), context.Cause(ctx)
		}
		if l.StepLimit > 0 && traj.Steps >= l.StepLimit {
			return traj.partial(), &errs.LimitError{Limit: "steps", Value: fmt.Sprintf("%d", traj.Steps)}
		}

		reply, usage, err := l.generate(ctx, prompt, traj.Messages)
		if err != nil {
			if ctx.Err() != nil {
				return traj.partial(), context.Cause(ctx)
			}
			return traj.partial(), &errs.ExecutionError{Op: "model", Err: err}
		}
		traj.Messages = append(traj.Messages,
			Message{Role: "user", Content: prompt},
			Message{Role: "assistant", Content: reply})
		traj.Steps++
		traj.Cost += usage.Cost
		if l.CostLimit > 0 && traj.Cost > l.CostLimit {
			return traj.partial(), &errs.LimitError{Limit: "cost", Value: fmt.Sprintf("%.4f", traj.Cost)}
		}

		blocks := commandBlock.FindAllStringSubmatch(reply, -1)
		if len(blocks) != 1 {
			slog.Debug("model reply had no single command block", "task_id", req.TaskID, "blocks", len(blocks))
			prompt = fmt.Sprintf(formatErrorPrompt, len(blocks))
			continue
		}
		command := strings.TrimSpace(blocks[0][1])

		if err := ctx.Err(); err != nil {
			return traj.partial(), context.Cause(ctx)
		}
		output, code, err := l.Env.Run(ctx, command)
		if err != nil {
			if ctx.Err() != nil {
				return traj.partial(), context.Cause(ctx)
			}
			return traj.partial(), &errs.ExecutionError{Op: "environment", Err: err}
		}

		if submission, ok := submitted(output); ok {
			res := traj.partial()
			res.ExitStatus = task.ExitSubmitted
			res.Submission = submission
			return res, nil
		}
		prompt = fmt.Sprintf("<returncode>%d</returncode>\n<output>\n%s</output>", code, output)
	}
}

func (l *StepLoop) generate(ctx context.Context, prompt string, history []Message) (string, Usage, error) {
	type reply struct {
		text  string
		usage Usage
	}
	attempts := l.ModelAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := l.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 30 * interval

	r, err := backoff.Retry(ctx, func() (reply, error) {
		text, usage, err := l.Model.Generate(ctx, prompt, history)
		if err != nil && !errs.IsTransient(err) {
			return reply{}, backoff.Permanent(err)
		}
		return reply{text, usage}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Warn("model call failed, retrying", "error", err, "retry_in", d)
		}),
	)
	return r.text, r.usage, err
}

func (t *trajectory) partial() task.Result {
	res := task.Result{Steps: t.Steps, Cost: t.Cost}
	if data, err := json.Marshal(t); err == nil {
		res.Trajectory = data
	}
	return res
}

// submitted reports whether output begins with a submit marker line and
// returns the rest of the output.
func submitted(output string) (string, bool) {
	first, rest, _ := strings.Cut(strings.TrimLeft(output, " \t\r\n"), "\n")
	first = strings.TrimSpace(first)
	for _, m := range submitMarkers {
		if first == m {
			return rest, true
		}
	}
	return "", false
}

func renderInstance(req Request) string {
	var b strings.Builder
	b.WriteString("Please solve this task:\n\n")
	b.WriteString(req.Description)
	if len(req.Context) > 0 {
		if data, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			b.WriteString("\n\nContext:\n")
			b.Write(data)
		}
	}
	return b.String()
}
