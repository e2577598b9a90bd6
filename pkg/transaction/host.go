package transaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/servantops/servant-agent/pkg/telemetry"
)

// Host performs the side effects of steps.
type Host interface {
	WriteFile(ctx context.Context, path string, content []byte) error
	CreateLink(ctx context.Context, source, target string) error
	RemoveLink(ctx context.Context, target string) error
	// RemoveFile reports whether a file was actually removed.
	RemoveFile(ctx context.Context, path string) (bool, error)
	Exec(ctx context.Context, command string) (ExecResult, error)
}

// ExecResult holds the outcome of a shell command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	DryRun   bool
}

// Diagnostic returns the output worth showing to an operator: stdout when
// the command printed anything there, stderr otherwise.
func (r ExecResult) Diagnostic() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	return r.Stderr
}

// LocalHost applies steps to the local machine.
type LocalHost struct {
	// Shell runs exec steps. Defaults to /bin/sh.
	Shell string
	// DryRun logs exec steps instead of running them. File steps still run.
	DryRun bool
	// FileMode is used for written files. Defaults to 0644.
	FileMode os.FileMode

	logger *telemetry.Logger
}

// NewLocalHost creates a LocalHost that logs through logger.
func NewLocalHost(logger *telemetry.Logger, dryRun bool) *LocalHost {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &LocalHost{
		Shell:    "/bin/sh",
		DryRun:   dryRun,
		FileMode: 0644,
		logger:   logger,
	}
}

// WriteFile writes content to path, creating the parent directory if needed.
func (h *LocalHost) WriteFile(ctx context.Context, path string, content []byte) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	mode := h.FileMode
	if mode == 0 {
		mode = 0644
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// CreateLink creates a symbolic link at target pointing to source.
func (h *LocalHost) CreateLink(ctx context.Context, source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("link source and target are required")
	}
	if err := os.Symlink(source, target); err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

// RemoveLink removes the link at target.
func (h *LocalHost) RemoveLink(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("link target is required")
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to remove link: %w", err)
	}
	return nil
}

// RemoveFile removes path. A missing file is reported as not removed.
func (h *LocalHost) RemoveFile(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path is required")
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to remove file: %w", err)
	}
	return true, nil
}

// Exec runs command through the shell and captures its output. A non-zero
// exit status is returned as an error alongside the captured output.
func (h *LocalHost) Exec(ctx context.Context, command string) (ExecResult, error) {
	if command == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}

	if h.DryRun {
		h.logger.WithField("command", command).Info("dry run: command not executed")
		return ExecResult{DryRun: true}, nil
	}

	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("command exited with status %d: %w", result.ExitCode, err)
		}
		return result, fmt.Errorf("failed to execute command: %w", err)
	}

	return result, nil
}
