package discovery

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"time"

	"github.com/anstrom/subwatch/internal/errors"
)

const (
	maxStderrBytes = 4096
	// killGrace is how long Wait keeps reading pipes after the process is killed.
	killGrace = 2 * time.Second
)

// CommandStage runs an external discovery tool. Input entries are written
// to stdin one per line and stdout lines become the output.
type CommandStage struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCommandStage creates a stage that runs command with args.
func NewCommandStage(name, command string, args []string, timeout time.Duration) *CommandStage {
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return &CommandStage{
		name:    name,
		command: command,
		args:    append([]string(nil), args...),
		timeout: timeout,
	}
}

// Name implements Stage.
func (c *CommandStage) Name() string {
	return c.name
}

// Command returns the command line, for logging.
func (c *CommandStage) Command() string {
	return strings.TrimSpace(c.command + " " + strings.Join(c.args, " "))
}

// Run implements Stage. The process is killed when the stage timeout or
// the parent context expires.
func (c *CommandStage) Run(ctx context.Context, input []string) ([]string, error) {
	if len(input) == 0 {
		return []string{}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, c.command, c.args...)
	cmd.Stdin = strings.NewReader(strings.Join(input, "\n") + "\n")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	if err == nil {
		return normalizeLines(stdout.String()), nil
	}

	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, errors.NewStageTimeout(c.name, runCtx.Err())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.NewStageFailure(c.name, -1, "", ctxErr)
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return nil, errors.NewStageFailure(c.name, exitErr.ExitCode(), tail(stderr.String(), maxStderrBytes), err)
	}
	// the binary could not be started at all
	return nil, errors.NewStageFailure(c.name, -1, "", err)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
