package fly

import (
	"context"
	"fmt"
	"net/url"
)

// Guest sizing of a machine
type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// Mount attaches a volume to a path inside the machine
type Mount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

// RestartPolicy controls what happens when the machine process exits
type RestartPolicy struct {
	Policy string `json:"policy"`
}

// MachineConfig is the config block of a machine create request
type MachineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	Guest       Guest             `json:"guest"`
	Mounts      []Mount           `json:"mounts"`
	AutoDestroy bool              `json:"auto_destroy"`
	Restart     *RestartPolicy    `json:"restart,omitempty"`
}

// CreateMachineRequest is the body of POST /v1/apps/{app}/machines
type CreateMachineRequest struct {
	Name   string        `json:"name,omitempty"`
	Region string        `json:"region"`
	Config MachineConfig `json:"config"`
}

// Machine is the subset of the machine resource this tool reads
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

func (c *Client) appURL(app string, parts ...string) string {
	u := c.apiURL + "/v1/apps/" + url.PathEscape(app)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// CreateMachine creates and starts a machine
func (c *Client) CreateMachine(ctx context.Context, app string, req CreateMachineRequest) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "POST", c.appURL(app, "machines"), req, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("machine create response for %s carried no id", req.Name)
	}
	return &m, nil
}

// WaitMachine blocks server side until the machine reaches the started state
// or the wait endpoint times out
func (c *Client) WaitMachine(ctx context.Context, app, machineID string) error {
	q := url.Values{}
	q.Set("state", "started")
	q.Set("timeout", fmt.Sprint(WaitTimeoutSeconds))
	return c.do(ctx, "GET", c.appURL(app, "machines", machineID, "wait")+"?"+q.Encode(), nil, nil)
}

// DeleteMachine force-destroys a machine
func (c *Client) DeleteMachine(ctx context.Context, app, machineID string) error {
	return c.do(ctx, "DELETE", c.appURL(app, "machines", machineID)+"?force=true", nil, nil)
}
