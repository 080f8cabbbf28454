// Package nodeagent is the outbound HTTP client for per-host node
// agents. All operations are idempotent on vm_id: PUT of an existing VM
// and DELETE of a missing one both succeed.
package nodeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hangarhq/hangar/pkg/httpclient"
	"github.com/hangarhq/hangar/pkg/types"
)

// Client is the contract the control loops use to drive VMs on a host.
type Client interface {
	EnsureVM(ctx context.Context, spec *types.VMSpec) error
	GetVM(ctx context.Context, vmID string) (*types.VMInfo, error)
	DeleteVM(ctx context.Context, vmID, reason string) error
	ListVMs(ctx context.Context) ([]*types.VMInfo, error)
	Capacity(ctx context.Context) (*types.Capacity, error)
	Health(ctx context.Context) error
}

// Factory resolves the client for a host from its advertised agent URL.
type Factory func(host *types.Host) Client

// HTTPClient implements Client against a node agent's REST API.
type HTTPClient struct {
	baseURL string
	client  *httpclient.Client
}

// NewHTTPClient creates a client for the agent at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, retry httpclient.RetryPolicy) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.NewClient(timeout, retry),
	}
}

// NewFactory returns a Factory producing HTTP clients from host agent
// URLs, all sharing one timeout and retry policy.
func NewFactory(timeout time.Duration, retry httpclient.RetryPolicy) Factory {
	return func(host *types.Host) Client {
		return NewHTTPClient(host.AgentURL, timeout, retry)
	}
}

// EnsureVM creates the VM if it does not exist; re-PUT of a live VM is
// a no-op on the agent side.
func (c *HTTPClient) EnsureVM(ctx context.Context, spec *types.VMSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if _, _, err := c.client.Do(ctx, "PUT", c.baseURL+"/v1/vms/"+url.PathEscape(spec.VMID), body); err != nil {
		return fmt.Errorf("failed to ensure vm %s: %w", spec.VMID, err)
	}
	return nil
}

func (c *HTTPClient) GetVM(ctx context.Context, vmID string) (*types.VMInfo, error) {
	data, _, err := c.client.Do(ctx, "GET", c.baseURL+"/v1/vms/"+url.PathEscape(vmID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get vm %s: %w", vmID, err)
	}
	var info types.VMInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse vm %s: %w", vmID, err)
	}
	return &info, nil
}

// DeleteVM tears the VM down. A 404 means the VM is already gone and
// counts as success.
func (c *HTTPClient) DeleteVM(ctx context.Context, vmID, reason string) error {
	u := c.baseURL + "/v1/vms/" + url.PathEscape(vmID) + "?reason=" + url.QueryEscape(reason)
	_, status, err := c.client.Do(ctx, "DELETE", u, nil)
	if err != nil {
		if status == 404 {
			return nil
		}
		return fmt.Errorf("failed to delete vm %s: %w", vmID, err)
	}
	return nil
}

func (c *HTTPClient) ListVMs(ctx context.Context) ([]*types.VMInfo, error) {
	data, _, err := c.client.Do(ctx, "GET", c.baseURL+"/v1/vms", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	var body struct {
		VMs []*types.VMInfo `json:"vms"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse vm list: %w", err)
	}
	return body.VMs, nil
}

func (c *HTTPClient) Capacity(ctx context.Context) (*types.Capacity, error) {
	data, _, err := c.client.Do(ctx, "GET", c.baseURL+"/v1/capacity", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity: %w", err)
	}
	var cap types.Capacity
	if err := json.Unmarshal(data, &cap); err != nil {
		return nil, fmt.Errorf("failed to parse capacity: %w", err)
	}
	return &cap, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	if _, _, err := c.client.Do(ctx, "GET", c.baseURL+"/healthz", nil); err != nil {
		return fmt.Errorf("node agent unhealthy: %w", err)
	}
	return nil
}
