package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hangarhq/hangar/pkg/httpclient"
)

// JenkinsAdapter talks to a Jenkins controller over its REST API with
// basic auth. All calls are bounded by the injected client's timeout.
type JenkinsAdapter struct {
	baseURL string
	client  *httpclient.Client
}

// NewJenkinsAdapter creates an adapter for the controller at baseURL.
func NewJenkinsAdapter(baseURL, user, apiToken string, timeout time.Duration, retry httpclient.RetryPolicy) *JenkinsAdapter {
	client := httpclient.NewClient(timeout, retry)
	client.Prepare = func(req *http.Request) {
		req.SetBasicAuth(user, apiToken)
	}
	return &JenkinsAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// QueueSnapshot counts queued builds per assigned label.
func (j *JenkinsAdapter) QueueSnapshot(ctx context.Context) (map[string]int, error) {
	data, _, err := j.client.Do(ctx, "GET", j.baseURL+"/queue/api/json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read build queue: %w", err)
	}

	var body struct {
		Items []struct {
			AssignedLabel struct {
				Name string `json:"name"`
			} `json:"assignedLabel"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse build queue: %w", err)
	}

	queued := make(map[string]int)
	for _, item := range body.Items {
		if item.AssignedLabel.Name != "" {
			queued[item.AssignedLabel.Name]++
		}
	}
	return queued, nil
}

// CreateNode creates an exclusive single-executor JNLP node and fetches
// its inbound secret.
func (j *JenkinsAdapter) CreateNode(ctx context.Context, name, label string) (string, error) {
	definition := map[string]interface{}{
		"name":            name,
		"nodeDescription": "ephemeral vm node",
		"numExecutors":    "1",
		"remoteFS":        "/home/jenkins",
		"labelString":     label,
		"mode":            "EXCLUSIVE",
		"launcher": map[string]string{
			"stapler-class": "hudson.slaves.JNLPLauncher",
			"$class":        "hudson.slaves.JNLPLauncher",
		},
		"retentionStrategy": map[string]string{
			"stapler-class": "hudson.slaves.RetentionStrategy$Always",
			"$class":        "hudson.slaves.RetentionStrategy$Always",
		},
		"nodeProperties": map[string]string{"stapler-class-bag": "true"},
	}
	definitionJSON, err := json.Marshal(definition)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("name", name)
	form.Set("type", "hudson.slaves.DumbSlave$DescriptorImpl")
	form.Set("json", string(definitionJSON))

	if _, _, err := j.client.DoForm(ctx, "POST", j.baseURL+"/computer/doCreateItem", form); err != nil {
		return "", fmt.Errorf("failed to create controller node %s: %w", name, err)
	}

	return j.inboundSecret(ctx, name)
}

// inboundSecret extracts the JNLP secret from the node's agent
// descriptor. The endpoint shape is stable across common versions.
func (j *JenkinsAdapter) inboundSecret(ctx context.Context, name string) (string, error) {
	data, _, err := j.client.Do(ctx, "GET", j.baseURL+"/computer/"+url.PathEscape(name)+"/slave-agent.jnlp", nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch inbound secret for %s: %w", name, err)
	}
	text := string(data)
	start := strings.Index(text, "<argument>")
	if start == -1 {
		return "", fmt.Errorf("could not parse inbound secret for node %s", name)
	}
	rest := text[start+len("<argument>"):]
	end := strings.Index(rest, "</argument>")
	if end == -1 {
		return "", fmt.Errorf("could not parse inbound secret for node %s", name)
	}
	return rest[:end], nil
}

// DeleteNode removes the node; a 404 maps to ErrNotFound.
func (j *JenkinsAdapter) DeleteNode(ctx context.Context, name string) error {
	_, status, err := j.client.Do(ctx, "POST", j.baseURL+"/computer/"+url.PathEscape(name)+"/doDelete", nil)
	if err != nil {
		if status == 404 {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete controller node %s: %w", name, err)
	}
	return nil
}

// NodeState reads the node's online/busy flags.
func (j *JenkinsAdapter) NodeState(ctx context.Context, name string) (NodeState, error) {
	data, status, err := j.client.Do(ctx, "GET", j.baseURL+"/computer/"+url.PathEscape(name)+"/api/json", nil)
	if err != nil {
		if status == 404 {
			return NodeState{}, ErrNotFound
		}
		return NodeState{}, fmt.Errorf("failed to read state of node %s: %w", name, err)
	}

	var body struct {
		Offline bool `json:"offline"`
		Idle    bool `json:"idle"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return NodeState{}, fmt.Errorf("failed to parse state of node %s: %w", name, err)
	}
	return NodeState{Online: !body.Offline, Busy: !body.Idle}, nil
}

// ListNodesWithPrefix lists agent node names starting with prefix.
func (j *JenkinsAdapter) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	data, _, err := j.client.Do(ctx, "GET", j.baseURL+"/computer/api/json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list controller nodes: %w", err)
	}

	var body struct {
		Computer []struct {
			DisplayName string `json:"displayName"`
		} `json:"computer"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse controller node list: %w", err)
	}

	var names []string
	for _, c := range body.Computer {
		if strings.HasPrefix(c.DisplayName, prefix) {
			names = append(names, c.DisplayName)
		}
	}
	return names, nil
}
