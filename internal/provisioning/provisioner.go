// Package provisioning starts ephemeral Fly machines that host a single
// Buildkite agent, falling back across regions when a placement fails.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"flyrunner/internal/fly"
	"flyrunner/internal/logging"
	"flyrunner/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultPollAttempts is how often the wait endpoint is polled per machine
	DefaultPollAttempts = 3
	// DefaultPollInterval separates two wait polls
	DefaultPollInterval = 3 * time.Second

	// VolumeName is the name given to every data volume
	VolumeName = "buildkite_data"
	// VolumeMountPath is where the data volume is mounted inside the machine
	VolumeMountPath = "/mnt/data"

	// AgentIdleTimeoutSeconds disconnects an agent that never receives a job
	AgentIdleTimeoutSeconds = "300"
)

// ErrExhausted is returned when every allowed attempt failed
var ErrExhausted = errors.New("failed to start machine")

// MachinesAPI is the subset of the Machines API the provisioner drives
type MachinesAPI interface {
	CreateVolume(ctx context.Context, app string, req fly.CreateVolumeRequest) (*fly.Volume, error)
	CreateMachine(ctx context.Context, app string, req fly.CreateMachineRequest) (*fly.Machine, error)
	WaitMachine(ctx context.Context, app, machineID string) error
}

// Request describes one machine to provision
type Request struct {
	NamePrefix string
	Image      string
	CPUs       int
	MemoryMB   int
	StorageGB  int // 0 means no volume
	Env        map[string]string
}

// Result of a provisioning sequence. VolumeIDs holds every volume created by
// any attempt of the sequence, including abandoned ones.
type Result struct {
	AgentName string
	MachineID string
	Region    string
	VolumeIDs []string
	Attempts  int
}

// Provisioner runs the region fallback sequence against the Machines API
type Provisioner struct {
	api          MachinesAPI
	app          string
	regions      []string
	maxRetries   int
	pollAttempts int
	pollInterval time.Duration
	pick         func(n int) int
	newName      func(prefix string) string
	manifest     *state.Manifest
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithRegions replaces the candidate region pool
func WithRegions(regions []string) Option {
	return func(p *Provisioner) { p.regions = slices.Clone(regions) }
}

// WithMaxRetries sets the number of retries after the first attempt
func WithMaxRetries(n int) Option {
	return func(p *Provisioner) { p.maxRetries = n }
}

// WithPolling sets the readiness poll count and the delay between polls
func WithPolling(attempts int, interval time.Duration) Option {
	return func(p *Provisioner) {
		p.pollAttempts = attempts
		p.pollInterval = interval
	}
}

// WithPicker replaces the random region choice. pick receives the pool size
// and returns an index into the pool.
func WithPicker(pick func(n int) int) Option {
	return func(p *Provisioner) { p.pick = pick }
}

// WithNameGenerator replaces the agent name generator
func WithNameGenerator(gen func(prefix string) string) Option {
	return func(p *Provisioner) { p.newName = gen }
}

// WithManifest records created resources into a shared manifest
func WithManifest(m *state.Manifest) Option {
	return func(p *Provisioner) { p.manifest = m }
}

// New creates a Provisioner for one application
func New(api MachinesAPI, app string, opts ...Option) *Provisioner {
	p := &Provisioner{
		api:          api,
		app:          app,
		regions:      []string{"dfw", "iad", "lax", "mia", "ord", "sea", "sjc"},
		maxRetries:   DefaultMaxRetries,
		pollAttempts: DefaultPollAttempts,
		pollInterval: DefaultPollInterval,
		pick:         rand.Intn,
		newName:      AgentName,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.manifest == nil {
		p.manifest = state.New(app)
	}
	if p.pollAttempts < 1 {
		p.pollAttempts = 1
	}
	return p
}

// Manifest returns the manifest the provisioner records into
func (p *Provisioner) Manifest() *state.Manifest {
	return p.manifest
}

// AgentName returns a unique agent name with the given prefix
func AgentName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// State of a provisioning sequence
type State int

const (
	StateSelectRegion State = iota
	StateCreateVolume
	StateCreateMachine
	StateWaitReady
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSelectRegion:
		return "select_region"
	case StateCreateVolume:
		return "create_volume"
	case StateCreateMachine:
		return "create_machine"
	case StateWaitReady:
		return "wait_ready"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// attempt holds the per-attempt values of a sequence
type attempt struct {
	region    string
	agentName string
	volumeID  string
	machineID string
}

// Provision runs one sequence until a machine is ready or the sequence is
// exhausted. On failure the partial result is returned with the error so the
// caller can reclaim any volumes that were created.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	logger := logging.Logger().With(zap.String("app", p.app), zap.String("prefix", req.NamePrefix))

	pool := slices.Clone(p.regions)
	res := &Result{}
	var cur attempt
	var lastErr error

	// retry drops the current region from the pool and starts a new attempt
	retry := func(err error) State {
		lastErr = err
		pool = slices.DeleteFunc(pool, func(r string) bool { return r == cur.region })
		logger.Warn("Attempt failed, dropping region",
			zap.Int("attempt", res.Attempts),
			zap.String("region", cur.region),
			zap.String("agent", cur.agentName),
			zap.Strings("remaining_regions", pool),
			zap.String("error", logging.Truncate(err.Error())))
		return StateSelectRegion
	}

	st := StateSelectRegion
	for {
		logger.Debug("Provisioning state", zap.Stringer("state", st), zap.Int("attempt", res.Attempts))

		switch st {
		case StateSelectRegion:
			if err := ctx.Err(); err != nil {
				lastErr = err
				st = StateFailed
				continue
			}
			if len(pool) == 0 || res.Attempts > p.maxRetries {
				st = StateFailed
				continue
			}
			res.Attempts++
			cur = attempt{
				region:    pool[p.pick(len(pool))],
				agentName: p.newName(req.NamePrefix),
			}
			if req.StorageGB > 0 {
				st = StateCreateVolume
			} else {
				st = StateCreateMachine
			}

		case StateCreateVolume:
			vol, err := p.api.CreateVolume(ctx, p.app, fly.CreateVolumeRequest{
				Name:   VolumeName,
				Region: cur.region,
				SizeGB: req.StorageGB,
			})
			if err != nil {
				st = retry(fmt.Errorf("failed to create volume: %w", err))
				continue
			}
			cur.volumeID = vol.ID
			res.VolumeIDs = append(res.VolumeIDs, vol.ID)
			p.manifest.AddVolume(state.VolumeRecord{ID: vol.ID, Region: cur.region})
			logger.Info("Volume created", zap.String("volume", vol.ID), zap.String("region", cur.region))
			st = StateCreateMachine

		case StateCreateMachine:
			logger.Info("Creating machine",
				zap.String("agent", cur.agentName),
				zap.String("region", cur.region))
			m, err := p.api.CreateMachine(ctx, p.app, p.machineRequest(req, cur))
			if err != nil {
				st = retry(fmt.Errorf("failed to create machine for agent %s: %w", cur.agentName, err))
				continue
			}
			cur.machineID = m.ID
			st = StateWaitReady

		case StateWaitReady:
			if err := p.waitReady(ctx, logger, cur.machineID); err != nil {
				// The machine is abandoned; its agent disconnects after the idle timeout
				st = retry(err)
				continue
			}
			st = StateReady

		case StateReady:
			res.AgentName = cur.agentName
			res.MachineID = cur.machineID
			res.Region = cur.region
			p.manifest.AddMachine(state.MachineRecord{
				ID:        cur.machineID,
				AgentName: cur.agentName,
				Region:    cur.region,
			})
			logger.Info("Machine ready",
				zap.String("agent", res.AgentName),
				zap.String("machine", res.MachineID),
				zap.String("region", res.Region),
				zap.Int("attempts", res.Attempts))
			return res, nil

		case StateFailed:
			if lastErr == nil {
				lastErr = errors.New("no regions left to try")
			}
			logger.Error("Provisioning failed",
				zap.Int("attempts", res.Attempts),
				zap.Strings("volumes", res.VolumeIDs))
			return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, res.Attempts, lastErr)
		}
	}
}

func (p *Provisioner) machineRequest(req Request, cur attempt) fly.CreateMachineRequest {
	mreq := fly.CreateMachineRequest{
		Name:   cur.agentName,
		Region: cur.region,
		Config: fly.MachineConfig{
			Image: req.Image,
			Env:   MachineEnv(req.Env, cur.agentName),
			Guest: fly.Guest{
				CPUKind:  "shared",
				CPUs:     req.CPUs,
				MemoryMB: req.MemoryMB,
			},
			Mounts:      []fly.Mount{},
			AutoDestroy: true,
			Restart:     &fly.RestartPolicy{Policy: "no"},
		},
	}
	if cur.volumeID != "" {
		mreq.Config.Mounts = append(mreq.Config.Mounts, fly.Mount{Volume: cur.volumeID, Path: VolumeMountPath})
	}
	return mreq
}

// MachineEnv merges the user environment with the variables every agent
// machine needs. The agent variables take precedence.
func MachineEnv(user map[string]string, agentName string) map[string]string {
	env := make(map[string]string, len(user)+3)
	for k, v := range user {
		env[k] = v
	}
	env["BUILDKITE_AGENT_TAGS"] = agentName
	env["BUILDKITE_AGENT_DISCONNECT_AFTER_IDLE_TIMEOUT"] = AgentIdleTimeoutSeconds
	env["BUILDKITE_AGENT_DISCONNECT_AFTER_JOB"] = "true"
	return env
}

func (p *Provisioner) waitReady(ctx context.Context, logger *zap.Logger, machineID string) error {
	var lastErr error
	for i := 0; i < p.pollAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
		}
		err := p.api.WaitMachine(ctx, p.app, machineID)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("Machine not ready yet",
			zap.String("machine", machineID),
			zap.Int("poll", i+1),
			zap.Error(err))
	}
	return fmt.Errorf("machine %s did not start after %d polls: %w", machineID, p.pollAttempts, lastErr)
}
