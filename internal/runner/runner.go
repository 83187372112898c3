package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// Result captures the outcome of one external command.
type Result struct {
	Command  string
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

// Diagnostics returns the most useful failure text, preferring stderr.
func (r Result) Diagnostics() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Stdout
}

// Runner executes provisioning commands.
type Runner interface {
	Run(ctx context.Context, dir string, cmd models.Command) Result
}

// ExecRunner runs commands as child processes without a shell.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner constructs an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes cmd inside dir and waits for it to exit. Failures are reported in the
// Result, never retried.
func (r *ExecRunner) Run(ctx context.Context, dir string, cmd models.Command) Result {
	res := Result{Command: cmd.String(), ExitCode: -1}
	start := time.Now()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	r.logger.Info("running command", slog.String("command", res.Command), slog.String("dir", dir))
	err := c.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = 0
	default:
		res.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
		}
	}

	metrics.ObserveCommand(res.Success)
	if res.Success {
		r.logger.Info("command succeeded",
			slog.String("command", res.Command),
			slog.Duration("duration", res.Duration))
	} else {
		r.logger.Error("command failed",
			slog.String("command", res.Command),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", res.Stderr),
			slog.Any("error", res.Err))
	}
	return res
}
