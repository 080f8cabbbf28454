// Package lease defines the lease lifecycle state machine.
//
// Every state change in the system is a compare-and-swap against the
// current persisted state, validated by CanTransition. TERMINATED and
// FAILED are terminal: no transition leaves them.
package lease

import (
	"github.com/hangarhq/hangar/pkg/types"
)

// allowedTransitions is the full transition relation. A lease may also
// "transition" to its current state, which loops use to refresh
// updated_at on teardown retries.
var allowedTransitions = map[types.LeaseState][]types.LeaseState{
	types.LeaseStateRequested: {
		types.LeaseStateProvisioning,
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateProvisioning: {
		types.LeaseStateBooting,
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateBooting: {
		types.LeaseStateConnecting,
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateConnecting: {
		types.LeaseStateConnected,
		types.LeaseStateRunning,
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateConnected: {
		types.LeaseStateRunning,
		// Transient controller disconnect within grace may drop a
		// connected agent back to connecting.
		types.LeaseStateConnecting,
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateRunning: {
		types.LeaseStateTerminating,
		types.LeaseStateFailed,
	},
	types.LeaseStateTerminating: {
		types.LeaseStateTerminated,
	},
	types.LeaseStateTerminated: {},
	types.LeaseStateFailed:     {},
}

// CanTransition reports whether current → target is a legal step.
// Self-transitions are legal for non-terminal states (teardown retries).
func CanTransition(current, target types.LeaseState) bool {
	if Terminal(current) {
		return false
	}
	if current == target {
		return true
	}
	for _, next := range allowedTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func Terminal(state types.LeaseState) bool {
	return state == types.LeaseStateTerminated || state == types.LeaseStateFailed
}

// States lists every lease state; used by metrics gauges and the UI.
func States() []types.LeaseState {
	return []types.LeaseState{
		types.LeaseStateRequested,
		types.LeaseStateProvisioning,
		types.LeaseStateBooting,
		types.LeaseStateConnecting,
		types.LeaseStateConnected,
		types.LeaseStateRunning,
		types.LeaseStateTerminating,
		types.LeaseStateTerminated,
		types.LeaseStateFailed,
	}
}

// Valid reports whether s is a known lease state.
func Valid(s types.LeaseState) bool {
	_, ok := allowedTransitions[s]
	return ok
}
