package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecChecker runs a shell script on the host. Exit status 0 is healthy.
type ExecChecker struct {
	// Script is passed to the shell with -c
	Script string

	// Shell defaults to sh
	Shell string

	// Timeout is the script execution timeout (default: 10 seconds)
	Timeout time.Duration

	// Env is appended to the agent's environment
	Env []string
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(script string) *ExecChecker {
	return &ExecChecker{
		Script:  script,
		Shell:   "sh",
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if strings.TrimSpace(e.Script) == "" {
		return Result{
			Healthy:   false,
			Message:   "no script specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(execCtx, shell, "-c", e.Script)
	// children of the shell may hold the output pipes after it is killed
	cmd.WaitDelay = time.Second
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("script failed: %v", err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, strings.TrimSpace(stderr.String()))
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	message := "script exited 0"
	if out := strings.TrimSpace(stdout.String()); out != "" {
		message = fmt.Sprintf("%s: %s", message, out)
	}
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the script timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
