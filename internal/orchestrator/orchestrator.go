// Package orchestrator runs one plugin invocation end to end: ensure the
// application, register secrets, provision machines, upload the pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"flyrunner/internal/application"
	"flyrunner/internal/cleanup"
	"flyrunner/internal/config"
	"flyrunner/internal/control"
	"flyrunner/internal/fly"
	"flyrunner/internal/logging"
	"flyrunner/internal/pipeline"
	"flyrunner/internal/provisioning"
	"flyrunner/internal/secrets"
	"flyrunner/internal/state"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TeardownTimeout bounds the best-effort teardown after a failed run
const TeardownTimeout = 2 * time.Minute

// ApplicationEnsurer makes sure the application exists
type ApplicationEnsurer interface {
	Ensure(ctx context.Context, name, org string) (bool, error)
}

// SecretMaterializer registers the declared secrets with the application
type SecretMaterializer interface {
	Materialize(ctx context.Context, app string, bindings config.Secrets) error
}

// MachinesAPI provisions and tears down machines and volumes
type MachinesAPI interface {
	provisioning.MachinesAPI
	cleanup.API
}

// Uploader hands the pipeline document to the build queue
type Uploader interface {
	Upload(ctx context.Context, doc *pipeline.Document) error
}

// Deps are the collaborators of a run
type Deps struct {
	Applications ApplicationEnsurer
	Secrets      SecretMaterializer
	Machines     MachinesAPI
	Uploader     Uploader

	// ProvisionOptions are appended to the provisioner defaults
	ProvisionOptions []provisioning.Option
}

// NewDeps wires the production collaborators for a configuration
func NewDeps(cfg *config.Config) Deps {
	client := fly.New(cfg.APIToken,
		fly.WithAPIURL(cfg.APIURL),
		fly.WithGraphQLURL(cfg.GraphQLURL))
	runner := control.NewExec()

	return Deps{
		Applications: application.NewEnsurer(runner, cfg.APIToken),
		Secrets:      secrets.NewMaterializer(client, os.LookupEnv),
		Machines:     client,
		Uploader:     pipeline.NewUploader(runner),
	}
}

// Orchestrator runs the plugin flow for one configuration
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
}

// New creates an Orchestrator
func New(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Job converts the configuration into an assembler job
func Job(cfg *config.Config) pipeline.Job {
	matrix, _ := cfg.MatrixValues()
	return pipeline.Job{
		Command: cfg.Command,
		Matrix:  matrix,
		Plugins: cfg.Plugins,
		Request: provisioning.Request{
			NamePrefix: cfg.AgentPrefix,
			Image:      cfg.Image,
			CPUs:       cfg.CPUs,
			MemoryMB:   cfg.MemoryMB,
			StorageGB:  cfg.StorageGB,
			Env:        cfg.Environment,
		},
	}
}

// Run executes the flow. When provisioning or the upload fails every
// resource created so far is torn down before the error is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	app := o.cfg.Application
	logger := logging.Logger().With(zap.String("app", app))

	created, err := o.deps.Applications.Ensure(ctx, app, o.cfg.Organization)
	if err != nil {
		return fmt.Errorf("failed to ensure application: %w", err)
	}
	logger.Info("Application ready", zap.Bool("created", created), zap.String("org", o.cfg.Organization))

	if err := o.deps.Secrets.Materialize(ctx, app, o.cfg.Secrets); err != nil {
		return err
	}

	manifest := state.New(app)
	opts := append([]provisioning.Option{
		provisioning.WithRegions(o.cfg.Regions),
		provisioning.WithManifest(manifest),
	}, o.deps.ProvisionOptions...)
	provisioner := provisioning.New(o.deps.Machines, app, opts...)
	assembler := pipeline.NewAssembler(provisioner, manifest, pipeline.WithSettleSeconds(o.cfg.SettleSeconds))

	doc, err := assembler.Assemble(ctx, Job(o.cfg))
	if err != nil {
		return o.teardown(ctx, manifest, err)
	}

	if err := o.deps.Uploader.Upload(ctx, doc); err != nil {
		return o.teardown(ctx, manifest, err)
	}

	logger.Info("Pipeline uploaded",
		zap.Int("machines", len(manifest.MachineIDs())),
		zap.Int("volumes", len(manifest.VolumeIDs())))
	return nil
}

// teardown reclaims the manifest and returns cause. Teardown failures are
// logged; they never replace the original error.
func (o *Orchestrator) teardown(ctx context.Context, manifest *state.Manifest, cause error) error {
	logger := logging.Logger().With(zap.String("app", o.cfg.Application))
	logger.Error("Run failed, tearing down created resources", zap.Error(cause))

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), TeardownTimeout)
	defer cancel()

	settle := time.Duration(o.cfg.SettleSeconds) * time.Second
	reclaimer := cleanup.NewReclaimer(o.deps.Machines, o.cfg.Application, settle)
	if err := reclaimer.ReclaimManifest(tctx, manifest); err != nil {
		for _, e := range multierr.Errors(err) {
			logger.Error("Teardown incomplete", zap.Error(e))
		}
	}
	return cause
}
