// Package client is the operator-side HTTP client for the control
// plane API, used by the CLI subcommands.
package client

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

// Client talks to a running control plane.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

// New creates a client for the control plane at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.NewClient(timeout, httpclient.RetryPolicy{Attempts: 1}),
	}
}

// AddHost registers a host record with its bootstrap token.
func (c *Client) AddHost(ctx context.Context, hostID, bootstrapToken string) (*types.Host, error) {
	body, _ := json.Marshal(map[string]string{
		"host_id":         hostID,
		"bootstrap_token": bootstrapToken,
	})
	data, _, err := c.http.Do(ctx, "POST", c.baseURL+"/v1/hosts", body)
	if err != nil {
		return nil, err
	}
	var host types.Host
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("failed to parse host: %w", err)
	}
	return &host, nil
}

// ListHosts returns all host records.
func (c *Client) ListHosts(ctx context.Context) ([]*types.Host, error) {
	data, _, err := c.http.Do(ctx, "GET", c.baseURL+"/v1/hosts", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Hosts []*types.Host `json:"hosts"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse hosts: %w", err)
	}
	return body.Hosts, nil
}

// EnableHost marks a host schedulable.
func (c *Client) EnableHost(ctx context.Context, hostID string) error {
	_, _, err := c.http.Do(ctx, "POST", c.baseURL+"/v1/hosts/"+url.PathEscape(hostID)+"/enable", nil)
	return err
}

// DisableHost excludes a host from placement.
func (c *Client) DisableHost(ctx context.Context, hostID string) error {
	_, _, err := c.http.Do(ctx, "POST", c.baseURL+"/v1/hosts/"+url.PathEscape(hostID)+"/disable", nil)
	return err
}

// ListLeases returns leases, optionally filtered by label, state, and
// host. Empty filter values match everything.
func (c *Client) ListLeases(ctx context.Context, label, state, hostID string) ([]*types.Lease, error) {
	q := url.Values{}
	if label != "" {
		q.Set("label", label)
	}
	if state != "" {
		q.Set("state", state)
	}
	if hostID != "" {
		q.Set("host_id", hostID)
	}
	u := c.baseURL + "/v1/leases"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	data, _, err := c.http.Do(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Leases []*types.Lease `json:"leases"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse leases: %w", err)
	}
	return body.Leases, nil
}

// TerminateLease forces a lease into teardown.
func (c *Client) TerminateLease(ctx context.Context, leaseID string) (*types.Lease, error) {
	data, _, err := c.http.Do(ctx, "POST", c.baseURL+"/v1/leases/"+url.PathEscape(leaseID)+"/terminate", nil)
	if err != nil {
		return nil, err
	}
	var l types.Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lease: %w", err)
	}
	return &l, nil
}

// Events returns the recent event window, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]*types.Event, error) {
	data, _, err := c.http.Do(ctx, "GET", fmt.Sprintf("%s/v1/events?limit=%d", c.baseURL, limit), nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Events []*types.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse events: %w", err)
	}
	return body.Events, nil
}

// Health checks the control plane's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.http.Do(ctx, "GET", c.baseURL+"/healthz", nil)
	return err
}
