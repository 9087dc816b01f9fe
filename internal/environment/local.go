// Package environment runs agent commands in a local shell.
package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/dusk-indust/relay/internal/executor"
)

// DefaultTimeout bounds a single command when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Config configures a Local environment.
type Config struct {
	Workdir string
	Timeout time.Duration
	Env     map[string]string
	Shell   string // default "bash"
}

// Local runs each command with "<shell> -c" in Workdir.
type Local struct {
	cfg Config
}

var _ executor.Environment = (*Local)(nil)

// NewLocal returns a Local environment.
func NewLocal(cfg Config) *Local {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	return &Local{cfg: cfg}
}

// Run executes command and returns combined stdout and stderr. A non-zero
// exit is reported through exitCode. A command that outlives the per-command
// timeout returns its partial output with exit code -1 and a timeout note in
// the output, not an error; cancellation of ctx is returned as ctx.Err().
func (l *Local) Run(ctx context.Context, command string) (string, int, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, l.cfg.Shell, "-c", command)
	cmd.Dir = l.cfg.Workdir
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(l.cfg.Env)) {
		cmd.Env = append(cmd.Env, k+"="+l.cfg.Env[k])
	}
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), -1, ctx.Err()
	}
	if cmdCtx.Err() != nil {
		return out.String() + fmt.Sprintf("\ncommand timed out after %s\n", l.cfg.Timeout), -1, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out.String(), 0, nil
	case errors.As(err, &exitErr):
		return out.String(), exitErr.ExitCode(), nil
	default:
		return out.String(), -1, fmt.Errorf("environment: run command: %w", err)
	}
}
