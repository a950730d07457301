package secrets

import (
	"context"
	"fmt"

	"flyrunner/internal/config"
	"flyrunner/internal/fly"
	"flyrunner/internal/logging"

	"go.uber.org/zap"
)

// Store registers a batch of secrets with an application
type Store interface {
	SetSecrets(ctx context.Context, app string, secrets []fly.Secret) error
}

// Materializer resolves declared secrets from the local environment and
// registers them with the application in one batch
type Materializer struct {
	lookup func(string) (string, bool)
	store  Store
}

// NewMaterializer creates a Materializer. lookup is usually os.LookupEnv.
func NewMaterializer(store Store, lookup func(string) (string, bool)) *Materializer {
	return &Materializer{lookup: lookup, store: store}
}

// Resolve reads every declared source variable. A missing or empty variable
// is a configuration error naming it.
func (m *Materializer) Resolve(bindings config.Secrets) ([]fly.Secret, error) {
	out := make([]fly.Secret, 0, len(bindings))
	for _, b := range bindings {
		value, ok := m.lookup(b.Source)
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: secret %s is not set in environment", config.ErrInvalid, b.Source)
		}
		out = append(out, fly.Secret{Key: b.Name, Value: value})
	}
	return out, nil
}

// Materialize resolves the bindings and submits them. Nothing is submitted
// when a variable is missing or when no secrets are declared.
func (m *Materializer) Materialize(ctx context.Context, app string, bindings config.Secrets) error {
	if len(bindings) == 0 {
		return nil
	}

	secrets, err := m.Resolve(bindings)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(secrets))
	for _, s := range secrets {
		names = append(names, s.Key)
	}
	logging.Logger().Info("Registering secrets",
		zap.String("app", app),
		zap.Strings("names", logging.TruncateSlice(names, 20)))

	if err := m.store.SetSecrets(ctx, app, secrets); err != nil {
		return err
	}
	return nil
}
