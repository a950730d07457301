package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"flyrunner/internal/control"
	"flyrunner/internal/logging"

	"go.uber.org/zap"
)

// Uploader writes the document to stdout and the diagnostic stream, then
// pipes it into buildkite-agent pipeline upload
type Uploader struct {
	runner control.Runner
	stdout io.Writer
	diag   io.Writer
	binary string
}

// UploaderOption configures an Uploader
type UploaderOption func(*Uploader)

// WithOutput replaces the stdout and diagnostic writers
func WithOutput(stdout, diag io.Writer) UploaderOption {
	return func(u *Uploader) {
		u.stdout = stdout
		u.diag = diag
	}
}

// WithAgentBinary overrides the buildkite-agent executable
func WithAgentBinary(path string) UploaderOption {
	return func(u *Uploader) { u.binary = path }
}

// NewUploader creates an Uploader
func NewUploader(runner control.Runner, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		runner: runner,
		stdout: os.Stdout,
		diag:   os.Stderr,
		binary: "buildkite-agent",
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Encode renders the document as indented JSON
func Encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline: %w", err)
	}
	return append(data, '\n'), nil
}

// Upload emits and uploads the document. A non-zero exit of the upload
// command is returned with its exit code.
func (u *Uploader) Upload(ctx context.Context, doc *Document) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}

	if _, err := io.MultiWriter(u.stdout, u.diag).Write(data); err != nil {
		return fmt.Errorf("failed to write pipeline: %w", err)
	}

	cmd := control.Command{
		Name:  u.binary,
		Args:  []string{"pipeline", "upload"},
		Stdin: bytes.NewReader(data),
	}
	logging.Logger().Info("Uploading pipeline", zap.String("command", cmd.String()), zap.Int("steps", len(doc.Steps)))

	if _, err := u.runner.Run(ctx, cmd); err != nil {
		var exitErr *control.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("pipeline upload failed with exit code %d: %w", exitErr.ExitCode, err)
		}
		return fmt.Errorf("pipeline upload failed: %w", err)
	}
	return nil
}
