// Package step executes external commands on behalf of job steps: build
// invocations, test suites, and anything a workflow runs through the plain
// exec handler. Output is captured, timeouts come from the step's context,
// and a non-zero exit is reported as a typed error carrying the exit code.
package step

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vk/meshci/internal/ctxlog"
)

// Command describes one external invocation.
type Command struct {
	Argv []string
	Dir  string
	// Env entries are appended to the current process environment.
	Env map[string]string
	// Timeout bounds the invocation. Zero means only the caller's context
	// bounds it.
	Timeout time.Duration
}

// Result holds the captured output of a finished invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Run executes the command and waits for it to finish. A deadline overrun
// surfaces as context.DeadlineExceeded wrapped with the command name; a
// non-zero exit surfaces as *ExitError. The Result is returned in both cases
// so callers can log partial output.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	logger := ctxlog.FromContext(ctx)

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	logger.Debug("Running command.", "argv", cmd.Argv, "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		logger.Debug("Command finished.", "argv", cmd.Argv, "duration", res.Duration)
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("command %q: %w", cmd.Argv[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Argv: cmd.Argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	res.ExitCode = -1
	return res, fmt.Errorf("command %q: %w", cmd.Argv[0], err)
}

// lastLines returns the trailing n non-empty lines of s on a single line.
func lastLines(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
