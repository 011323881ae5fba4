package core

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ExecResult captures a finished subprocess invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ErrExecTimeout signals that the subprocess exceeded its deadline and was
// killed. Callers translate it into their capability-specific *_timeout code.
var ErrExecTimeout = errors.New("subprocess deadline exceeded")

// ErrExecNotFound signals that the binary is not on PATH. Callers translate
// it into git_not_found / rg_not_found.
var ErrExecNotFound = errors.New("executable not found")

// RunCommand executes name with args under a wall-clock timeout.
//
// On deadline expiry the process is killed, its exit awaited, and
// ErrExecTimeout returned. A missing binary returns ErrExecNotFound. Any
// other start failure is returned as-is. A non-zero exit is NOT an error
// here: the result carries the exit code and captured stderr so callers can
// apply their own semantics (ripgrep exit 1 means "no matches").
func RunCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// CommandContext kills the process on context expiry; Run then returns
	// after the kill has been reaped, satisfying the kill-and-wait contract.
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ErrExecTimeout
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return ExecResult{ExitCode: -1}, ErrExecNotFound
		}
		return ExecResult{ExitCode: -1}, err
	}

	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}
