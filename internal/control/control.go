package control

import (
	"context"
	"fmt"
	"io"
)

// Command describes one external process invocation
type Command struct {
	Name  string
	Args  []string
	Env   []string  // appended to the parent environment, KEY=VALUE
	Stdin io.Reader // optional
}

// String renders the command line for logs. Env is deliberately left out since it carries tokens.
func (c Command) String() string {
	s := c.Name
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Runner runs an external command, captures its stdout and fails on a non-zero exit
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// RunnerFunc adapts a plain function to Runner
type RunnerFunc func(ctx context.Context, cmd Command) ([]byte, error)

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return f(ctx, cmd)
}

// ExitError reports a command that ran but exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}
