package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/hangarhq/hangar/pkg/config"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized covers bad bootstrap and session tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownHost is returned for a host_id with no record.
	ErrUnknownHost = errors.New("unknown host")

	// ErrHostDisabled rejects heartbeats from disabled hosts.
	ErrHostDisabled = errors.New("host disabled")
)

// Manager owns the store and is the single entry point for every host
// and lease mutation. Cross-loop coordination happens exclusively
// through its CAS transitions; no loop holds authoritative state in
// memory.
type Manager struct {
	store  storage.Store
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger
}

// NewManager wires the manager over an opened store.
func NewManager(cfg *config.Config, store storage.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}
}

// Config exposes the control-plane configuration to the loops.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Store exposes the underlying store; loops use it for read-only
// listings, all writes go through Manager methods.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Recover logs the non-terminal leases found at startup. The store is
// the only authority; loops simply resume driving whatever is there.
func (m *Manager) Recover() error {
	leases, err := m.store.ListLeases(storage.LeaseFilter{NonTerminal: true})
	if err != nil {
		return fmt.Errorf("failed to load leases at startup: %w", err)
	}
	for _, l := range leases {
		m.logger.Info().
			Str("lease_id", l.ID).
			Str("state", string(l.State)).
			Str("host_id", l.HostID).
			Msg("resuming lease")
	}
	m.logger.Info().Int("count", len(leases)).Msg("restart recovery complete")
	return nil
}

// RecordEvent appends an event and fans it out to live watchers.
func (m *Manager) RecordEvent(eventType string, payload map[string]interface{}, leaseID string) {
	ev := &types.Event{
		Timestamp: time.Now().UTC(),
		LeaseID:   leaseID,
		Type:      eventType,
		Payload:   payload,
	}
	if err := m.store.AppendEvent(ev); err != nil {
		m.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to append event")
		return
	}
	if m.broker != nil {
		m.broker.Publish(ev)
	}
}

// --- Lease operations ---

// CreateLease admits a new lease under the global cap, writing the
// creation event in the same transaction.
func (m *Manager) CreateLease(l *types.Lease) error {
	ev := &types.Event{
		Timestamp: time.Now().UTC(),
		LeaseID:   l.ID,
		Type:      events.TypeLeaseCreated,
		Payload: map[string]interface{}{
			"label":            l.Label,
			events.FieldHostID: l.HostID,
			"vm_id":            l.VMID,
		},
	}
	if err := m.store.CreateLease(l, ev, m.cfg.GlobalMaxVMs); err != nil {
		return err
	}
	if m.broker != nil {
		m.broker.Publish(ev)
	}
	return nil
}

// TransitionLease CAS-moves a lease between states and writes the
// transition event atomically. Payload fields are merged with the
// standard prior/new state fields. Returns the updated lease.
func (m *Manager) TransitionLease(leaseID string, expected, target types.LeaseState, reason string, payload map[string]interface{}, mutate func(*types.Lease)) (*types.Lease, error) {
	merged := map[string]interface{}{
		events.FieldPriorState: string(expected),
		events.FieldNewState:   string(target),
	}
	if reason != "" {
		merged[events.FieldReason] = reason
	}
	for k, v := range payload {
		merged[k] = v
	}
	ev := &types.Event{
		Timestamp: time.Now().UTC(),
		LeaseID:   leaseID,
		Type:      eventTypeFor(target),
		Payload:   merged,
	}

	updated, err := m.store.TransitionLease(leaseID, expected, target, mutate, ev)
	if err != nil {
		return nil, err
	}
	if m.broker != nil {
		m.broker.Publish(ev)
	}
	m.logger.Debug().
		Str("lease_id", leaseID).
		Str("from", string(expected)).
		Str("to", string(target)).
		Str("reason", reason).
		Msg("lease transition")
	return updated, nil
}

func eventTypeFor(target types.LeaseState) string {
	switch target {
	case types.LeaseStateProvisioning:
		return events.TypeLeaseProvisioning
	case types.LeaseStateBooting:
		return events.TypeLeaseBooting
	case types.LeaseStateConnecting:
		return events.TypeLeaseConnecting
	case types.LeaseStateConnected:
		return events.TypeLeaseConnected
	case types.LeaseStateRunning:
		return events.TypeLeaseRunning
	case types.LeaseStateTerminating:
		return events.TypeLeaseTerminating
	case types.LeaseStateTerminated:
		return events.TypeLeaseTerminated
	case types.LeaseStateFailed:
		return events.TypeLeaseFailed
	}
	return "lease.transition"
}

// GetLease returns one lease by id.
func (m *Manager) GetLease(id string) (*types.Lease, error) {
	return m.store.GetLease(id)
}

// GetLeaseByVMID returns the lease owning a vm_id.
func (m *Manager) GetLeaseByVMID(vmID string) (*types.Lease, error) {
	return m.store.GetLeaseByVMID(vmID)
}

// ListLeases lists leases matching the filter.
func (m *Manager) ListLeases(filter storage.LeaseFilter) ([]*types.Lease, error) {
	return m.store.ListLeases(filter)
}

// RefreshLeaseHeartbeat stamps last_heartbeat without a state change.
func (m *Manager) RefreshLeaseHeartbeat(l *types.Lease, at time.Time) error {
	l.LastHeartbeat = at
	l.UpdatedAt = time.Now().UTC()
	return m.store.UpdateLease(l)
}

// Events returns the recent event window, newest first.
func (m *Manager) Events(limit int) ([]*types.Event, error) {
	return m.store.ListEvents(limit)
}

// Watch subscribes to the live event feed. The returned cancel func
// must be called when the watcher goes away. Returns nil when the
// manager runs without a broker.
func (m *Manager) Watch() (events.Subscriber, func()) {
	if m.broker == nil {
		return nil, func() {}
	}
	sub := m.broker.Subscribe()
	return sub, func() { m.broker.Unsubscribe(sub) }
}
