// Package command builds saga types whose steps are shell commands, so
// workflows can be declared in a TOML file instead of compiled in.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Default and max timeout for a single command run.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 300 * time.Second
)

// waitDelay is how long Run waits for output pipes after the command is
// killed, in case something outside its process group still holds them.
const waitDelay = time.Second

// Result holds the output of one command run. ExitCode is -1 when the
// command did not exit normally (not started, killed, timed out).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

// Output is stdout, or stderr when stdout is empty.
func (r Result) Output() string {
	if r.Stdout != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Execute runs command via "sh -c" in dir with the process environment
// plus env. A zero timeout means DefaultTimeout; it is capped at MaxTimeout.
func Execute(ctx context.Context, command string, timeout time.Duration, dir string, env map[string]string) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command) //nolint:gosec // commands come from the operator's saga file
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	killGroup(cmd)
	cmd.WaitDelay = waitDelay

	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			cmd.Dir = dir
		}
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	err := cmd.Run()
	res := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: -1,
		Err:      err,
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	return res
}
