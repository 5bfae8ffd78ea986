// Package shell runs the local GDAL/OGR command line tools.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yairfalse/geoingest/internal/telemetry"
)

// Result is the captured output of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes an external tool.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExitError reports a non-zero exit status together with the captured stderr.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return fmt.Sprintf("%s exited %d: %s", e.Name, e.ExitCode, msg)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *telemetry.Logger
}

// NewExecRunner creates a runner that logs every invocation.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: telemetry.NewLogger("shell")}
}

// Run executes name with args, capturing stdout and stderr.
// A non-zero exit returns the Result together with an *ExitError.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- tool names come from config

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if r.logger != nil {
		r.logger.WithContext(ctx).Debug().
			Str("tool", name).
			Strs("args", args).
			Dur("duration", res.Duration).
			Err(err).
			Msg("tool finished")
	}

	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("run %s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Name: name, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", name, err)
}
