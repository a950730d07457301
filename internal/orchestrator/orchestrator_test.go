package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"time"

	"flyrunner/internal/application"
	"flyrunner/internal/config"
	"flyrunner/internal/control"
	"flyrunner/internal/fly"
	"flyrunner/internal/orchestrator"
	"flyrunner/internal/pipeline"
	"flyrunner/internal/provisioning"
	"flyrunner/internal/secrets"

	"github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type uploadedDoc struct {
	Steps []struct {
		Key       string   `json:"key"`
		Command   string   `json:"command"`
		Agents    []string `json:"agents"`
		Commands  []string `json:"commands"`
		DependsOn []string `json:"depends_on"`
	} `json:"steps"`
}

var _ = Describe("Orchestrator", func() {
	var (
		api    *flyAPI
		srv    *httptest.Server
		runner *cli
		stdout *bytes.Buffer
		env    map[string]string
		cfg    *config.Config
		ctx    context.Context
		cancel context.CancelFunc
	)

	deps := func() orchestrator.Deps {
		client := fly.New(cfg.APIToken,
			fly.WithAPIURL(cfg.APIURL),
			fly.WithGraphQLURL(cfg.GraphQLURL),
			fly.WithRetryWait(time.Millisecond, time.Millisecond))
		lookup := func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}
		return orchestrator.Deps{
			Applications: application.NewEnsurer(runner, cfg.APIToken,
				application.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })),
			Secrets:          secrets.NewMaterializer(client, lookup),
			Machines:         client,
			Uploader:         pipeline.NewUploader(runner, pipeline.WithOutput(stdout, io.Discard)),
			ProvisionOptions: []provisioning.Option{provisioning.WithPolling(3, 0)},
		}
	}

	run := func() error {
		return orchestrator.New(cfg, deps()).Run(ctx)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		api = &flyAPI{}
		srv = startFlyAPI(api)
		runner = &cli{}
		stdout = &bytes.Buffer{}
		env = map[string]string{"LOCAL_VAR": "secretValue"}

		matrix := []string{"linux", "darwin"}
		cfg = &config.Config{
			APIToken:      "tok",
			Application:   "buildkite-test",
			Organization:  "personal",
			Image:         "buildkite/agent:3",
			Command:       "make build-{{matrix}}",
			Matrix:        &matrix,
			Secrets:       config.Secrets{{Name: "REMOTE", Source: "LOCAL_VAR"}},
			Environment:   map[string]string{"FOO": "bar"},
			CPUs:          1,
			MemoryMB:      512,
			StorageGB:     1,
			AgentPrefix:   "bk",
			Regions:       config.DefaultRegions,
			SettleSeconds: 0,
			APIURL:        srv.URL,
			GraphQLURL:    srv.URL + "/graphql",
		}
	})

	AfterEach(func() {
		cancel()
		srv.Close()
	})

	Context("when every machine starts", func() {
		It("should upload one step per matrix value and a cleanup step", func() {
			Expect(run()).To(Succeed())

			var doc uploadedDoc
			Expect(json.Unmarshal(runner.upload(), &doc)).To(Succeed())
			Expect(doc.Steps).To(HaveLen(3))
			Expect(doc.Steps[0].Command).To(Equal("make build-linux"))
			Expect(doc.Steps[1].Command).To(Equal("make build-darwin"))
			Expect(doc.Steps[2].DependsOn).To(ConsistOf(doc.Steps[0].Key, doc.Steps[1].Key))
			Expect(doc.Steps[2].Commands).To(HaveLen(2 + 1 + 2))
			Expect(doc.Steps[2].Commands).To(ContainElement("sleep 0"))

			Expect(stdout.Bytes()).To(Equal(runner.upload()))
			Expect(api.deletedIDs()).To(BeEmpty())
		})

		It("should register secrets under their remote names", func() {
			Expect(run()).To(Succeed())
			Expect(api.registeredSecrets()).To(Equal([]fly.Secret{{Key: "REMOTE", Value: "secretValue"}}))
		})

		It("should create the application only once", func() {
			Expect(run()).To(Succeed())
			Expect(run()).To(Succeed())
			Expect(runner.apps).To(Equal([]string{"buildkite-test"}))
		})

		It("should never place secret values in the pipeline", func() {
			Expect(run()).To(Succeed())
			Expect(string(runner.upload())).NotTo(ContainSubstring("secretValue"))
		})
	})

	Context("when provisioning is exhausted", func() {
		It("should tear down every volume and fail", func() {
			api.failMachines = true

			err := run()
			Expect(err).To(MatchError(provisioning.ErrExhausted))
			Expect(runner.upload()).To(BeNil())

			// two matrix entries, four attempts each, one volume per attempt
			Expect(api.deletedIDs()).To(HaveLen(8))
		})
	})

	Context("when the upload is rejected", func() {
		It("should tear down machines and volumes and report the exit code", func() {
			runner.uploadErr = &control.ExitError{Command: "buildkite-agent pipeline upload", ExitCode: 1}

			err := run()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("exit code 1"))
			Expect(api.deletedIDs()).To(ConsistOf("m-1", "m-2", "vol-1", "vol-2"))
		})
	})

	Context("when a secret source is missing", func() {
		It("should fail before provisioning anything", func() {
			delete(env, "LOCAL_VAR")

			err := run()
			Expect(err).To(MatchError(config.ErrInvalid))
			Expect(err.Error()).To(ContainSubstring("LOCAL_VAR"))
			Expect(api.machineCount()).To(BeZero())
		})
	})
})
