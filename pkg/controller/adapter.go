// Package controller abstracts the external job controller (Jenkins).
// The core only ever sees the Adapter interface; the real HTTP
// implementation and an in-memory fake are injected at wiring time.
package controller

import (
	"context"
	"errors"
)

// ErrNotFound indicates the named node does not exist on the controller.
// Deletion of a missing node is treated as success by callers.
var ErrNotFound = errors.New("controller node not found")

// NodeState is the controller's view of one agent node.
type NodeState struct {
	Online bool
	Busy   bool
}

// Adapter is the five-operation contract against the job controller.
type Adapter interface {
	// QueueSnapshot returns the queued build count per label.
	QueueSnapshot(ctx context.Context) (map[string]int, error)

	// CreateNode creates an exclusive single-executor agent node and
	// returns the inbound connection secret.
	CreateNode(ctx context.Context, name, label string) (secret string, err error)

	// DeleteNode removes the node. Deleting a missing node returns
	// ErrNotFound, which callers treat as success.
	DeleteNode(ctx context.Context, name string) error

	// NodeState reports whether the node is online and busy.
	NodeState(ctx context.Context, name string) (NodeState, error)

	// ListNodesWithPrefix returns the names of nodes that look like
	// ours (ephemeral name prefix).
	ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
