package provisioning

import (
	"context"
	"errors"

	"flyrunner/internal/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Provisioning sequence", func() {
	var (
		api      *fakeAPI
		manifest *state.Manifest
		ctx      context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		api = newFakeAPI()
		manifest = state.New("test-app")
	})

	AfterEach(func() {
		cancel()
	})

	Context("when every region rejects the machine", func() {
		It("should stop after four attempts and report the count", func() {
			for _, r := range []string{"dfw", "iad", "lax", "mia", "ord", "sea", "sjc"} {
				api.failMachine[r] = true
			}
			p := New(api, "test-app", WithManifest(manifest), WithPolling(3, 0))

			res, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img"})
			Expect(err).To(MatchError(ErrExhausted))
			Expect(err.Error()).To(ContainSubstring("after 4 attempts"))
			Expect(res.Attempts).To(Equal(4))
			Expect(api.machines).To(HaveLen(4))
		})

		It("should never try the same region twice", func() {
			for _, r := range []string{"dfw", "iad", "lax", "mia", "ord", "sea", "sjc"} {
				api.failMachine[r] = true
			}
			p := New(api, "test-app", WithPolling(3, 0))

			_, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img"})
			Expect(err).To(HaveOccurred())

			seen := map[string]bool{}
			for _, m := range api.machines {
				Expect(seen).NotTo(HaveKey(m.Region))
				seen[m.Region] = true
			}
		})
	})

	Context("when a machine is abandoned after a volume was created", func() {
		It("should record the abandoned volume exactly once", func() {
			api.waitErrs = []error{errTransport, errTransport, errTransport}
			p := New(api, "test-app",
				WithRegions([]string{"ord", "sea"}),
				WithPicker(firstRegion),
				WithManifest(manifest),
				WithPolling(3, 0))

			res, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img", StorageGB: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.VolumeIDs).To(Equal([]string{"vol-1", "vol-2"}))
			Expect(manifest.VolumeIDs()).To(Equal([]string{"vol-1", "vol-2"}))
			Expect(manifest.MachineIDs()).To(Equal([]string{res.MachineID}))
		})
	})

	Context("when provisioning fails after creating volumes", func() {
		It("should return the partial result alongside the error", func() {
			api.failMachine["ord"] = true
			api.failMachine["sea"] = true
			p := New(api, "test-app",
				WithRegions([]string{"ord", "sea"}),
				WithManifest(manifest),
				WithPolling(3, 0))

			res, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img", StorageGB: 1})
			Expect(err).To(HaveOccurred())
			Expect(res).NotTo(BeNil())
			Expect(res.VolumeIDs).To(HaveLen(2))
			Expect(res.MachineID).To(BeEmpty())
			Expect(manifest.VolumeIDs()).To(ConsistOf(res.VolumeIDs))
		})
	})

	Context("when the wait endpoint has a transient failure", func() {
		It("should keep polling the same machine", func() {
			api.waitErrs = []error{errTransport}
			p := New(api, "test-app", WithRegions([]string{"ord"}), WithPolling(3, 0))

			res, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Attempts).To(Equal(1))
			Expect(api.machines).To(HaveLen(1))
		})
	})

	Context("when the context is already cancelled", func() {
		It("should not start an attempt", func() {
			api.waitErrs = []error{errTransport, errTransport, errTransport}
			p := New(api, "test-app", WithRegions([]string{"ord"}), WithPolling(3, 0))
			cancel()

			_, err := p.Provision(ctx, Request{NamePrefix: "bk", Image: "img"})
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(api.machines).To(BeEmpty())
		})
	})
})
