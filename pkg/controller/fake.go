package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeNode is one node held by the Fake adapter.
type FakeNode struct {
	Label  string
	Secret string
	Online bool
	Busy   bool
}

// Fake is an in-memory Adapter for tests and local development. All
// methods are safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	queue  map[string]int
	nodes  map[string]*FakeNode
	nextID int

	// Err, when set, is returned by every call; simulates an
	// unreachable controller.
	Err error

	// CreateErr fails only CreateNode; simulates partial outages.
	CreateErr error

	Created []string
	Deleted []string
}

// NewFake creates an empty fake controller.
func NewFake() *Fake {
	return &Fake{
		queue: make(map[string]int),
		nodes: make(map[string]*FakeNode),
	}
}

// SetQueued sets the queued build count for a label.
func (f *Fake) SetQueued(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[label] = n
}

// SetNodeState flips the online/busy flags of an existing node.
func (f *Fake) SetNodeState(name string, online, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[name]; ok {
		n.Online = online
		n.Busy = busy
	}
}

// AddNode seeds a node directly, bypassing CreateNode bookkeeping.
func (f *Fake) AddNode(name string, node *FakeNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[name] = node
}

// HasNode reports whether the node currently exists.
func (f *Fake) HasNode(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[name]
	return ok
}

func (f *Fake) QueueSnapshot(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make(map[string]int, len(f.queue))
	for k, v := range f.queue {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) CreateNode(ctx context.Context, name, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	secret := fmt.Sprintf("secret-%d", f.nextID)
	f.nodes[name] = &FakeNode{Label: label, Secret: secret}
	f.Created = append(f.Created, name)
	return secret, nil
}

func (f *Fake) DeleteNode(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.nodes[name]; !ok {
		return ErrNotFound
	}
	delete(f.nodes, name)
	f.Deleted = append(f.Deleted, name)
	return nil
}

func (f *Fake) NodeState(ctx context.Context, name string) (NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return NodeState{}, f.Err
	}
	n, ok := f.nodes[name]
	if !ok {
		return NodeState{}, ErrNotFound
	}
	return NodeState{Online: n.Online, Busy: n.Busy}, nil
}

func (f *Fake) ListNodesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var names []string
	for name := range f.nodes {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
