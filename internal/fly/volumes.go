package fly

import (
	"context"
	"fmt"
)

// CreateVolumeRequest is the body of POST /v1/apps/{app}/volumes
type CreateVolumeRequest struct {
	Name              string `json:"name"`
	Region            string `json:"region"`
	SizeGB            int    `json:"size_gb"`
	Encrypted         bool   `json:"encrypted"`
	RequireUniqueZone bool   `json:"require_unique_zone"`
}

// Volume is the subset of the volume resource this tool reads
type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	SizeGB int    `json:"size_gb"`
}

// CreateVolume creates a volume in the requested region
func (c *Client) CreateVolume(ctx context.Context, app string, req CreateVolumeRequest) (*Volume, error) {
	var v Volume
	if err := c.do(ctx, "POST", c.appURL(app, "volumes"), req, &v); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, fmt.Errorf("volume create response in %s carried no id", req.Region)
	}
	return &v, nil
}

// DeleteVolume destroys a volume
func (c *Client) DeleteVolume(ctx context.Context, app, volumeID string) error {
	return c.do(ctx, "DELETE", c.appURL(app, "volumes", volumeID), nil, nil)
}
