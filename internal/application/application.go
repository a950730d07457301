// Package application makes sure the Fly application that hosts the agent
// machines exists before anything is provisioned into it.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flyrunner/internal/control"
	"flyrunner/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultListRetries bounds the retries of a failed application listing
const DefaultListRetries = 3

// Ensurer lists and creates applications through the flyctl CLI
type Ensurer struct {
	runner     control.Runner
	token      string
	binary     string
	retries    uint64
	newBackOff func() backoff.BackOff
}

// Option configures an Ensurer
type Option func(*Ensurer)

// WithBinary overrides the flyctl executable
func WithBinary(path string) Option {
	return func(e *Ensurer) { e.binary = path }
}

// WithBackOff replaces the delay policy between listing retries
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *Ensurer) { e.newBackOff = newBackOff }
}

// WithListRetries sets how often a failed listing is retried
func WithListRetries(n uint64) Option {
	return func(e *Ensurer) { e.retries = n }
}

// NewEnsurer creates an Ensurer. The token is handed to flyctl through its
// environment, never on the command line.
func NewEnsurer(runner control.Runner, token string, opts ...Option) *Ensurer {
	e := &Ensurer{
		runner:  runner,
		token:   token,
		binary:  "flyctl",
		retries: DefaultListRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type listedApp struct {
	Name string `json:"Name"`
}

func (e *Ensurer) command(args ...string) control.Command {
	return control.Command{
		Name: e.binary,
		Args: args,
		Env:  []string{"FLY_API_TOKEN=" + e.token},
	}
}

// List returns the names of all applications visible to the token
func (e *Ensurer) List(ctx context.Context) ([]string, error) {
	var names []string
	op := func() error {
		out, err := e.runner.Run(ctx, e.command("apps", "list", "--json"))
		if err != nil {
			logging.Logger().Warn("Listing applications failed", zap.Error(err))
			return err
		}
		var apps []listedApp
		if err := json.Unmarshal(out, &apps); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to parse application list: %w", err))
		}
		names = make([]string, 0, len(apps))
		for _, a := range apps {
			names = append(names, a.Name)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return names, nil
}

// Create creates an application in an organization. Failures are not retried.
func (e *Ensurer) Create(ctx context.Context, name, org string) error {
	if _, err := e.runner.Run(ctx, e.command("apps", "create", name, "--org", org, "--json")); err != nil {
		return fmt.Errorf("failed to create application %s: %w", name, err)
	}
	return nil
}

// Ensure creates the application unless it already exists and reports
// whether it was created
func (e *Ensurer) Ensure(ctx context.Context, name, org string) (bool, error) {
	logger := logging.Logger().With(zap.String("app", name), zap.String("org", org))

	names, err := e.List(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			logger.Debug("Application already exists")
			return false, nil
		}
	}

	logger.Info("Creating application")
	if err := e.Create(ctx, name, org); err != nil {
		return false, err
	}
	return true, nil
}
