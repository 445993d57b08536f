// Package subproc executes the external tracker/classifier commands.
//
// Commands run through the shell under a deadline. The structured result is
// read from a sidecar JSON file next to the input so normal stdout
// diagnostics cannot corrupt it.
package subproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// Runner executes shell commands with a fixed timeout.
type Runner struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// New returns a Runner with the given per-invocation deadline.
func New(timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{Timeout: timeout, Logger: logger}
}

// Exec runs command via the shell and returns its stdout. Used for commands
// that do not produce a sidecar result (e.g. the audio encoder).
//
// The shell is started in its own process group and the whole group is
// killed on timeout or cancellation, so classifier children do not outlive
// the deadline.
func (r *Runner) Exec(ctx context.Context, command string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	r.Logger.Debug("running command", slog.String("command", command))
	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	observability.SubprocessDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("op=subproc.Exec: %w after %s: %s",
			domain.ErrSubprocessTimeout, r.Timeout, lastLines(stderr.String(), 5))
	}
	if err != nil {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, fmt.Errorf("op=subproc.Exec: %w", &domain.SubprocessError{
			Command:  command,
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		})
	}
	return stdout.Bytes(), nil
}

// Run executes command and decodes the sidecar JSON file into out. The
// sidecar is expected at sidecarPath, written by the subprocess on exit.
func (r *Runner) Run(ctx context.Context, command, sidecarPath string, out any) error {
	if _, err := r.Exec(ctx, command); err != nil {
		return err
	}
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return fmt.Errorf("op=subproc.Run: reading result file: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("op=subproc.Run: %w: %v", domain.ErrMalformedOutput, err)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
