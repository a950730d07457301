// Package cleanup tears down machines and volumes through the Machines API
// when a run cannot hand them over to a cleanup step.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"flyrunner/internal/logging"
	"flyrunner/internal/state"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// API is the subset of the Machines API used for teardown
type API interface {
	DeleteMachine(ctx context.Context, app, machineID string) error
	DeleteVolume(ctx context.Context, app, volumeID string) error
}

// Reclaimer deletes resources best-effort: every deletion is attempted and
// all failures are reported together
type Reclaimer struct {
	api    API
	app    string
	settle time.Duration
}

// NewReclaimer creates a Reclaimer. settle is waited between machine and
// volume deletion so volumes are detached.
func NewReclaimer(api API, app string, settle time.Duration) *Reclaimer {
	return &Reclaimer{api: api, app: app, settle: settle}
}

// Reclaim deletes the machines, waits for the settle delay and deletes the volumes
func (r *Reclaimer) Reclaim(ctx context.Context, machines, volumes []string) error {
	logger := logging.Logger().With(zap.String("app", r.app))
	logger.Info("Reclaiming resources",
		zap.Strings("machines", logging.TruncateSlice(machines, 20)),
		zap.Strings("volumes", logging.TruncateSlice(volumes, 20)))

	var errs error
	for _, id := range machines {
		if err := r.api.DeleteMachine(ctx, r.app, id); err != nil {
			logger.Warn("Failed to delete machine", zap.String("machine", id), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("failed to delete machine %s: %w", id, err))
		}
	}

	if len(machines) > 0 && len(volumes) > 0 && r.settle > 0 {
		select {
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		case <-time.After(r.settle):
		}
	}

	for _, id := range volumes {
		if err := r.api.DeleteVolume(ctx, r.app, id); err != nil {
			logger.Warn("Failed to delete volume", zap.String("volume", id), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("failed to delete volume %s: %w", id, err))
		}
	}

	if errs == nil {
		logger.Info("Resources reclaimed", zap.Int("machines", len(machines)), zap.Int("volumes", len(volumes)))
	}
	return errs
}

// ReclaimManifest reclaims everything recorded in a manifest
func (r *Reclaimer) ReclaimManifest(ctx context.Context, m *state.Manifest) error {
	if m.Empty() {
		return nil
	}
	return r.Reclaim(ctx, m.MachineIDs(), m.VolumeIDs())
}
