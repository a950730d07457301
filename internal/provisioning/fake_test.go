package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"flyrunner/internal/fly"
)

// fakeAPI is an in-memory MachinesAPI. The fail* maps hold the regions in
// which the corresponding call fails.
type fakeAPI struct {
	mu sync.Mutex

	failVolume  map[string]bool
	failMachine map[string]bool
	// waitErrs is consumed one entry per WaitMachine call; nil means success
	waitErrs []error

	volumes  []fly.CreateVolumeRequest
	machines []fly.CreateMachineRequest
	waits    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{failVolume: map[string]bool{}, failMachine: map[string]bool{}}
}

func (f *fakeAPI) CreateVolume(ctx context.Context, app string, req fly.CreateVolumeRequest) (*fly.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failVolume[req.Region] {
		return nil, &fly.APIError{StatusCode: 422, Body: "no capacity in " + req.Region}
	}
	f.volumes = append(f.volumes, req)
	return &fly.Volume{ID: fmt.Sprintf("vol-%d", len(f.volumes)), Region: req.Region}, nil
}

func (f *fakeAPI) CreateMachine(ctx context.Context, app string, req fly.CreateMachineRequest) (*fly.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.machines = append(f.machines, req)
	if f.failMachine[req.Region] {
		return nil, &fly.APIError{StatusCode: 500, Body: "boom"}
	}
	return &fly.Machine{ID: fmt.Sprintf("m-%d", len(f.machines)), Name: req.Name, Region: req.Region}, nil
}

func (f *fakeAPI) WaitMachine(ctx context.Context, app, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	if len(f.waitErrs) == 0 {
		return nil
	}
	err := f.waitErrs[0]
	f.waitErrs = f.waitErrs[1:]
	return err
}

var errTransport = errors.New("connection reset by peer")

// firstRegion always picks the head of the pool
func firstRegion(int) int { return 0 }

func sequentialNames() func(string) string {
	var mu sync.Mutex
	n := 0
	return func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
