package storage

import (
	"errors"

	"github.com/hangarhq/hangar/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap observes an
	// unexpected current state, or a uniqueness constraint would break.
	ErrConflict = errors.New("conflict")

	// ErrGlobalCap is returned by CreateLease when admitting the lease
	// would exceed the global active-VM cap.
	ErrGlobalCap = errors.New("global vm cap reached")

	// ErrInvalidTransition is returned when a CAS names a target state
	// the state machine does not allow from the expected state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// LeaseFilter narrows ListLeases. Zero values match everything.
type LeaseFilter struct {
	Label  string
	State  types.LeaseState
	HostID string

	// NonTerminal selects only leases that are not TERMINATED/FAILED.
	NonTerminal bool
}

// Store is the durable, single-writer persistence layer. All lease
// mutations are conditional on the current state and couple their event
// with the transition in one transaction.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// Leases
	CreateLease(lease *types.Lease, ev *types.Event, globalMax int) error
	GetLease(id string) (*types.Lease, error)
	GetLeaseByVMID(vmID string) (*types.Lease, error)
	GetLeaseByNodeName(nodeName string) (*types.Lease, error)
	ListLeases(filter LeaseFilter) ([]*types.Lease, error)

	// TransitionLease CAS-updates the lease from expected to target,
	// appending ev in the same transaction. If the current state is not
	// expected the call returns ErrConflict and writes nothing. mutate,
	// if non-nil, applies extra field updates after the state change.
	TransitionLease(id string, expected, target types.LeaseState, mutate func(*types.Lease), ev *types.Event) (*types.Lease, error)

	// UpdateLease persists field changes that do not move the state
	// (heartbeat refresh, last_error annotations).
	UpdateLease(lease *types.Lease) error
	DeleteLease(id string) error

	// Events
	AppendEvent(ev *types.Event) error
	ListEvents(limit int) ([]*types.Event, error)
	ListEventsByLease(leaseID string, limit int) ([]*types.Event, error)

	Close() error
}
