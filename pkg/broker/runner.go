// Package broker mediates host command execution and package installs. Both
// brokers share the three-branch pipeline: rule deny, rule allow (auto-run),
// or queue for human approval. Category mode for exec and packages is always
// approve-each; the hardening lives in the config store and the rule
// evaluator.
package broker

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// DefaultTimeout bounds command execution when the caller provides none.
const DefaultTimeout = 5 * time.Minute

// TimeoutExitCode is reported when the timer kills the child, matching the
// conventional timeout(1) exit status.
const TimeoutExitCode = 124

// RunResult captures a completed (or killed) command.
type RunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Run executes command through `sh -c` with an optional working directory,
// capturing stdout and stderr in memory. On timeout the child is killed,
// "[timed out]" is appended to stderr, and the exit code is 124. A spawn
// failure reports exit code -1.
func Run(ctx context.Context, command, cwd string, timeout time.Duration) RunResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return RunResult{Stderr: err.Error(), ExitCode: -1}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return RunResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\n[timed out]",
			ExitCode: TimeoutExitCode,
			TimedOut: true,
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return RunResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
		}
	case err := <-done:
		code := 0
		if err != nil {
			code = cmd.ProcessState.ExitCode()
			if code == 0 {
				code = -1
			}
		}
		return RunResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: code,
		}
	}
}
