package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/services"
)

// Runner executes external processes. Every invocation is bounded by the
// caller's context; no unbounded block is permitted.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec with an additional per-command
// timeout cap on top of the caller's context.
type ExecRunner struct {
	Timeout time.Duration
	log     *logrus.Entry
}

// NewExecRunner creates a runner with the given per-command timeout cap
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{
		Timeout: timeout,
		log:     logrus.WithField("component", "command"),
	}
}

// Run implements Runner. Failures are returned as ExternalCommandError
// with timeouts classified as retryable.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	r.log.WithFields(logrus.Fields{
		"command":  name,
		"args":     strings.Join(args, " "),
		"duration": time.Since(start),
	}).Debug("Executed external command")

	if err == nil {
		return out.Bytes(), nil
	}

	cmdErr := &services.ExternalCommandError{
		Command: name,
		Output:  truncate(out.String(), 2048),
	}

	if ctx.Err() == context.DeadlineExceeded {
		cmdErr.Retryable = true
		cmdErr.ExitCode = -1
		return out.Bytes(), cmdErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
		// A killed process (signal) is transient; a clean non-zero exit is
		// the tool reporting a real failure
		cmdErr.Retryable = exitErr.ExitCode() == -1
		return out.Bytes(), cmdErr
	}

	cmdErr.ExitCode = -1
	return out.Bytes(), cmdErr
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
