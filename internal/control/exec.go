package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"flyrunner/internal/logging"

	"go.uber.org/zap"
)

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// Exec runs commands as local subprocesses
type Exec struct {
	// Stderr, when set, additionally receives the child's stderr as it is produced
	Stderr io.Writer
}

// NewExec creates a runner that streams child stderr to the process stderr
func NewExec() *Exec {
	return &Exec{Stderr: os.Stderr}
}

// Run executes the command and returns its stdout
func (e *Exec) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	if e.Stderr != nil {
		c.Stderr = io.MultiWriter(&stderr, e.Stderr)
	} else {
		c.Stderr = &stderr
	}

	logging.Logger().Debug("executing command", zap.String("command", logging.Truncate(cmd.String())))

	err := c.Run()

	logging.Logger().Debug("command executed",
		zap.String("command", logging.Truncate(cmd.String())),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{
				Command:  cmd.String(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(logging.Truncate(stderr.String())),
			}
		}
		return stdout.Bytes(), fmt.Errorf("failed to run %q: %w", cmd.String(), err)
	}
	return stdout.Bytes(), nil
}
