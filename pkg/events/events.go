package events

import (
	"sync"
	"time"

	"github.com/hangarhq/hangar/pkg/types"
)

// Event type names. These are the stable values written to the store and
// consumed by the reconciler and the UI; do not rename casually.
const (
	TypeLeaseCreated         = "lease.created"
	TypeLeaseProvisioning    = "lease.provisioning"
	TypeLeaseBooting         = "lease.booting"
	TypeLeaseConnecting      = "lease.connecting"
	TypeLeaseConnected       = "lease.connected"
	TypeLeaseRunning         = "lease.running"
	TypeLeaseTerminating     = "lease.terminating"
	TypeLeaseTerminated      = "lease.terminated"
	TypeLeaseFailed          = "lease.failed"
	TypeLeaseTerminateRetry  = "lease.terminate_retry"
	TypeLeaseRetryExhausted  = "lease.retry_exhausted"
	TypeLeaseManualTerminate = "lease.manual_terminate"

	TypeScaleLaunch       = "scale.launch"
	TypeScaleLaunchFailed = "scale.launch_failed"

	TypeOrphanVMCleanup  = "reconcile.orphan_vm_cleanup"
	TypeStaleNodeCleanup = "reconcile.stale_node_cleanup"

	TypeHostRegistered = "host.registered"
	TypeHostHeartbeat  = "host.heartbeat"
	TypeHostEnabled    = "host.enabled"
	TypeHostDisabled   = "host.disabled"
	TypeHostStale      = "host.stale"

	TypeVMStatus = "vm.status"
	TypeAuthFail = "auth.fail"
)

// Stable payload field names consumed downstream.
const (
	FieldHostID      = "host_id"
	FieldAgentURL    = "node_agent_url"
	FieldErrorType   = "error_type"
	FieldErrorDetail = "error_detail"
	FieldReason      = "reason"
	FieldPriorState  = "prior_state"
	FieldNewState    = "new_state"
)

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Broker fans persisted events out to live watchers (log tailer, SSE
// clients). Delivery is best effort; the store is the durable record.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
