// Package shell runs one-off commands for the /shell chat command.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// TimeoutCode is the exit code reported when a command runs too long.
const TimeoutCode = 124

// Result is the captured outcome of a command.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// Run executes command with bash in dir. Commands that outlive timeout
// are killed along with their children and reported with TimeoutCode.
func Run(ctx context.Context, command, dir string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Stdout: stdout.String(), Stderr: "(timeout)", Code: TimeoutCode}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), Code: exitErr.ExitCode()}
		}
		return Result{Stderr: err.Error(), Code: 1}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}
}

// Format renders the result the way it is shown in chat.
func (r Result) Format() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(r.Stderr)
	}
	if b.Len() == 0 {
		b.WriteString("(no output)")
	}
	if r.Code != 0 {
		fmt.Fprintf(&b, "\n\n[exit code: %d]", r.Code)
	}
	return strings.TrimSpace(b.String())
}
