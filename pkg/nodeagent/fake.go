package nodeagent

import (
	"context"
	"sync"

	"github.com/hangarhq/hangar/pkg/types"
)

// Fake is an in-memory node agent for tests. One Fake stands in for one
// host's agent; use a map of Fakes for multi-host scenarios.
type Fake struct {
	mu  sync.Mutex
	vms map[string]*types.VMInfo

	// EnsureErr fails EnsureVM; DeleteErr fails DeleteVM; Err fails
	// every call (unreachable agent).
	Err       error
	EnsureErr error
	DeleteErr error

	Ensured []string
	Deleted []string

	CapacitySnapshot types.Capacity
}

// NewFake creates an empty fake agent.
func NewFake() *Fake {
	return &Fake{vms: make(map[string]*types.VMInfo)}
}

// SeedVM places a VM into the inventory directly (orphan scenarios).
func (f *Fake) SeedVM(info *types.VMInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[info.VMID] = info
}

// HasVM reports whether vmID is in the inventory.
func (f *Fake) HasVM(vmID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[vmID]
	return ok
}

func (f *Fake) EnsureVM(ctx context.Context, spec *types.VMSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.EnsureErr != nil {
		return f.EnsureErr
	}
	if _, ok := f.vms[spec.VMID]; !ok {
		f.vms[spec.VMID] = &types.VMInfo{VMID: spec.VMID, State: "BOOTING", Label: spec.Label}
	}
	f.Ensured = append(f.Ensured, spec.VMID)
	return nil
}

func (f *Fake) GetVM(ctx context.Context, vmID string) (*types.VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	info, ok := f.vms[vmID]
	if !ok {
		return nil, &notFoundError{vmID}
	}
	out := *info
	return &out, nil
}

func (f *Fake) DeleteVM(ctx context.Context, vmID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	// Missing VM deletes succeed: DELETE is idempotent on vm_id.
	delete(f.vms, vmID)
	f.Deleted = append(f.Deleted, vmID)
	return nil
}

func (f *Fake) ListVMs(ctx context.Context) ([]*types.VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]*types.VMInfo, 0, len(f.vms))
	for _, info := range f.vms {
		copied := *info
		out = append(out, &copied)
	}
	return out, nil
}

func (f *Fake) Capacity(ctx context.Context) (*types.Capacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	cap := f.CapacitySnapshot
	return &cap, nil
}

func (f *Fake) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

type notFoundError struct {
	vmID string
}

func (e *notFoundError) Error() string {
	return "vm not found: " + e.vmID
}
