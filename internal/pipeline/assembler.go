package pipeline

import (
	"context"
	"fmt"

	"flyrunner/internal/config"
	"flyrunner/internal/logging"
	"flyrunner/internal/provisioning"
	"flyrunner/internal/state"

	"github.com/alitto/pond/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Provisioner provisions one machine per request
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (*provisioning.Result, error)
}

// Job is one plugin invocation: a command template, optionally expanded over
// a matrix of values
type Job struct {
	Command string
	// Matrix values in order. Nil means the job has no matrix.
	Matrix  []string
	Plugins []any
	// Request is the template for every provisioning request
	Request provisioning.Request
}

// Assembler provisions the machines of a job and builds the pipeline
type Assembler struct {
	provisioner    Provisioner
	manifest       *state.Manifest
	settleSeconds  int
	maxConcurrency int
}

// AssemblerOption configures an Assembler
type AssemblerOption func(*Assembler)

// WithSettleSeconds sets the delay between machine and volume removal
func WithSettleSeconds(n int) AssemblerOption {
	return func(a *Assembler) { a.settleSeconds = n }
}

// WithMaxConcurrency caps concurrent provisioning sequences. Zero means one
// worker per matrix entry.
func WithMaxConcurrency(n int) AssemblerOption {
	return func(a *Assembler) { a.maxConcurrency = n }
}

// NewAssembler creates an Assembler. The provisioner must record into the
// same manifest.
func NewAssembler(p Provisioner, manifest *state.Manifest, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		provisioner:   p,
		manifest:      manifest,
		settleSeconds: config.DefaultSettleSeconds,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Manifest returns the manifest shared with the provisioner
func (a *Assembler) Manifest() *state.Manifest {
	return a.manifest
}

type entry struct {
	command string
	label   string
}

func (j Job) entries() ([]entry, error) {
	if j.Matrix == nil {
		return []entry{{command: j.Command}}, nil
	}
	if len(j.Matrix) == 0 {
		return nil, fmt.Errorf("%w: matrix must contain at least one value", config.ErrInvalid)
	}
	out := make([]entry, 0, len(j.Matrix))
	for _, v := range j.Matrix {
		out = append(out, entry{
			command: Template(j.Command, config.MatrixPlaceholder, v),
			label:   v,
		})
	}
	return out, nil
}

// Assemble provisions every entry of the job concurrently and returns the
// pipeline document. When any entry fails the document is nil and the error
// aggregates every failure; the manifest still lists everything created by
// every entry.
func (a *Assembler) Assemble(ctx context.Context, job Job) (*Document, error) {
	entries, err := job.entries()
	if err != nil {
		return nil, err
	}

	workers := len(entries)
	if a.maxConcurrency > 0 && a.maxConcurrency < workers {
		workers = a.maxConcurrency
	}

	logging.Logger().Info("Provisioning machines",
		zap.String("app", a.manifest.Application),
		zap.Int("count", len(entries)),
		zap.Int("workers", workers))

	results := make([]*provisioning.Result, len(entries))
	errs := make([]error, len(entries))

	pool := pond.NewPool(workers)
	for i, e := range entries {
		i, e := i, e
		pool.Submit(func() {
			res, err := a.provisioner.Provision(ctx, job.Request)
			results[i] = res
			if err != nil {
				if e.label != "" {
					err = fmt.Errorf("matrix entry %q: %w", e.label, err)
				}
				errs[i] = err
			}
		})
	}
	pool.StopAndWait()

	if err := multierr.Combine(errs...); err != nil {
		logging.Logger().Error("Provisioning failed",
			zap.Int("failed", len(multierr.Errors(err))),
			zap.Int("total", len(entries)),
			zap.Strings("machines", logging.TruncateSlice(a.manifest.MachineIDs(), 20)),
			zap.Strings("volumes", logging.TruncateSlice(a.manifest.VolumeIDs(), 20)))
		return nil, err
	}

	doc := &Document{Steps: make([]any, 0, len(entries)+1)}
	keys := make([]string, 0, len(entries))
	for i, e := range entries {
		res := results[i]
		doc.Steps = append(doc.Steps, CommandStep{
			Label:   e.label,
			Command: e.command,
			Agents:  []string{res.AgentName},
			Plugins: job.Plugins,
			Key:     res.AgentName,
		})
		keys = append(keys, res.AgentName)
	}
	doc.Steps = append(doc.Steps, NewCleanupStep(a.manifest, a.settleSeconds, keys))

	return doc, nil
}
