// Package reconciler compares the controller's node list, the node
// agents' VM inventories, and the lease store every tick, advancing
// leases whose external world moved and cleaning up leftovers that no
// lease claims.
package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarhq/hangar/pkg/controller"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/nodeagent"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

// Reconciler is the truth loop. It never launches anything; it only
// moves leases forward, fails the stuck ones, and removes external
// resources that have no owner.
type Reconciler struct {
	manager *manager.Manager
	adapter controller.Adapter
	agents  nodeagent.Factory
	logger  zerolog.Logger

	mu        sync.Mutex
	staleSeen map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Reconciler.
func New(mgr *manager.Manager, adapter controller.Adapter, agents nodeagent.Factory) *Reconciler {
	return &Reconciler{
		manager:   mgr,
		adapter:   adapter,
		agents:    agents,
		logger:    log.WithComponent("reconciler"),
		staleSeen: make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the reconcile loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop and waits for the current tick to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	interval := r.manager.Config().LoopInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			r.Tick(ctx)
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Tick runs one reconcile pass. Exported for synchronous use in tests.
func (r *Reconciler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	leases, err := r.manager.ListLeases(storage.LeaseFilter{NonTerminal: true})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list leases")
		return
	}
	hosts, err := r.manager.ListHosts()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list hosts")
		return
	}

	r.markStaleHosts(hosts)
	inventories := r.collectInventories(ctx, hosts)

	for _, l := range leases {
		r.advanceLease(ctx, l, inventories)
	}

	r.cleanupOrphanVMs(ctx, hosts, inventories, leases)
	r.cleanupStaleNodes(ctx, leases)
}

// inventory is one host's VM set. live is false when the agent could
// not be reached this tick, in which case the host gives no evidence
// of absence and nothing on it may be failed or deleted.
type inventory struct {
	vms  map[string]bool
	live bool
}

// collectInventories queries each reachable agent for its live VM list.
func (r *Reconciler) collectInventories(ctx context.Context, hosts []*types.Host) map[string]inventory {
	out := make(map[string]inventory, len(hosts))
	for _, host := range hosts {
		if host.AgentURL == "" {
			continue
		}
		inv := inventory{vms: make(map[string]bool)}
		vms, err := r.agents(host).ListVMs(ctx)
		if err == nil {
			inv.live = true
			for _, vm := range vms {
				inv.vms[vm.VMID] = true
			}
		} else {
			r.logger.Warn().Err(err).Str("host_id", host.ID).Msg("agent inventory query failed")
		}
		out[host.ID] = inv
	}
	return out
}

// advanceLease folds the controller's node view and the host inventory
// into the lease state machine.
func (r *Reconciler) advanceLease(ctx context.Context, l *types.Lease, inventories map[string]inventory) {
	cfg := r.manager.Config()
	now := time.Now().UTC()

	state, err := r.adapter.NodeState(ctx, l.ControllerNodeName)
	nodeMissing := errors.Is(err, controller.ErrNotFound)
	if err != nil && !nodeMissing {
		// Controller unreachable: no information, leave the lease alone.
		r.logger.Warn().Err(err).Str("lease_id", l.ID).Msg("controller node query failed")
		return
	}

	switch l.State {
	case types.LeaseStateBooting:
		if !nodeMissing && state.Online {
			if _, err := r.manager.TransitionLease(l.ID, types.LeaseStateBooting, types.LeaseStateConnecting, "agent_online", nil, func(lease *types.Lease) {
				lease.LastHeartbeat = now
			}); err == nil {
				l.State = types.LeaseStateConnecting
				r.connect(l, now)
			}
			return
		}
		// A VM that never materialized cannot ever connect. Only fail
		// on a live inventory; silence is not evidence of absence. The
		// grace runs from the transition into BOOTING, not admission.
		inv, ok := inventories[l.HostID]
		if ok && inv.live && !inv.vms[l.VMID] && now.Sub(l.UpdatedAt) > cfg.BootGrace {
			r.failLease(l, "boot_timeout", "vm absent from host inventory past boot grace")
		}

	case types.LeaseStateConnecting:
		if !nodeMissing && state.Online {
			r.connect(l, now)
		}

	case types.LeaseStateConnected:
		switch {
		case nodeMissing || !state.Online:
			if !l.LastHeartbeat.IsZero() && now.Sub(l.LastHeartbeat) > cfg.DisconnectedGrace {
				r.terminate(l, "unexpected_disconnect")
				return
			}
			// Idle agent dropped off within grace; drop it back to
			// CONNECTING with a fresh connect window to dial back in.
			// The window never extends past the TTL, so a lease cycling
			// through disconnects still dies on schedule.
			r.manager.TransitionLease(l.ID, types.LeaseStateConnected, types.LeaseStateConnecting, "controller_disconnect", nil, func(lease *types.Lease) {
				window := now.Add(cfg.ConnectDeadline)
				if !lease.TTLDeadline.IsZero() && window.After(lease.TTLDeadline) {
					window = lease.TTLDeadline
				}
				lease.ConnectDeadline = window
			})
		case state.Busy:
			r.manager.TransitionLease(l.ID, types.LeaseStateConnected, types.LeaseStateRunning, "build_started", nil, func(lease *types.Lease) {
				lease.LastHeartbeat = now
			})
		default:
			r.manager.RefreshLeaseHeartbeat(l, now)
		}

	case types.LeaseStateRunning:
		switch {
		case nodeMissing || !state.Online:
			if !l.LastHeartbeat.IsZero() && now.Sub(l.LastHeartbeat) > cfg.DisconnectedGrace {
				r.terminate(l, "unexpected_disconnect")
			}
		case !state.Busy:
			// One job per VM: an idle executor after a build means the
			// build finished and the lease is done.
			r.terminate(l, "job_completed")
		default:
			r.manager.RefreshLeaseHeartbeat(l, now)
		}
	}
}

// connect completes CONNECTING -> CONNECTED and records the queue wait.
func (r *Reconciler) connect(l *types.Lease, now time.Time) {
	if _, err := r.manager.TransitionLease(l.ID, types.LeaseStateConnecting, types.LeaseStateConnected, "agent_connected", nil, func(lease *types.Lease) {
		lease.LastHeartbeat = now
	}); err != nil {
		return
	}
	metrics.QueueToConnectSeconds.Observe(now.Sub(l.CreatedAt).Seconds())
	r.logger.Info().
		Str("lease_id", l.ID).
		Str("node", l.ControllerNodeName).
		Dur("queue_to_connect", now.Sub(l.CreatedAt)).
		Msg("agent connected")
}

func (r *Reconciler) terminate(l *types.Lease, reason string) {
	if _, err := r.manager.TransitionLease(l.ID, l.State, types.LeaseStateTerminating, reason, nil, nil); err == nil {
		metrics.LeasesTerminatedTotal.WithLabelValues(reason).Inc()
	}
}

func (r *Reconciler) failLease(l *types.Lease, reason, detail string) {
	r.manager.TransitionLease(l.ID, l.State, types.LeaseStateFailed, reason, map[string]interface{}{
		events.FieldErrorDetail: detail,
	}, func(lease *types.Lease) {
		lease.LastError = detail
	})
}

// cleanupOrphanVMs deletes agent VMs that no non-terminal lease claims.
// Only live inventories are acted on.
func (r *Reconciler) cleanupOrphanVMs(ctx context.Context, hosts []*types.Host, inventories map[string]inventory, leases []*types.Lease) {
	claimed := make(map[string]bool, len(leases))
	for _, l := range leases {
		claimed[l.VMID] = true
	}

	for _, host := range hosts {
		inv, ok := inventories[host.ID]
		if !ok || !inv.live {
			continue
		}
		for vmID := range inv.vms {
			if claimed[vmID] {
				continue
			}
			if err := r.agents(host).DeleteVM(ctx, vmID, "orphan"); err != nil {
				r.logger.Warn().Err(err).Str("vm_id", vmID).Str("host_id", host.ID).Msg("orphan vm delete failed")
				continue
			}
			metrics.OrphanVMCleanupTotal.Inc()
			r.manager.RecordEvent(events.TypeOrphanVMCleanup, map[string]interface{}{
				"vm_id":            vmID,
				events.FieldHostID: host.ID,
			}, "")
			r.logger.Info().Str("vm_id", vmID).Str("host_id", host.ID).Msg("orphan vm deleted")
		}
	}
}

// cleanupStaleNodes deletes prefix-matching controller nodes that no
// non-terminal lease claims.
func (r *Reconciler) cleanupStaleNodes(ctx context.Context, leases []*types.Lease) {
	prefix := r.manager.Config().NodePrefix
	names, err := r.adapter.ListNodesWithPrefix(ctx, prefix)
	if err != nil {
		r.logger.Warn().Err(err).Msg("controller node listing failed")
		return
	}

	claimed := make(map[string]bool, len(leases))
	for _, l := range leases {
		claimed[l.ControllerNodeName] = true
	}

	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || claimed[name] {
			continue
		}
		if err := r.adapter.DeleteNode(ctx, name); err != nil && !errors.Is(err, controller.ErrNotFound) {
			r.logger.Warn().Err(err).Str("node", name).Msg("stale node delete failed")
			continue
		}
		metrics.StaleNodeCleanupTotal.Inc()
		r.manager.RecordEvent(events.TypeStaleNodeCleanup, map[string]interface{}{
			"node": name,
		}, "")
		r.logger.Info().Str("node", name).Msg("stale controller node deleted")
	}
}

// markStaleHosts emits host.stale once per staleness episode.
func (r *Reconciler) markStaleHosts(hosts []*types.Host) {
	timeout := r.manager.Config().HostStaleTimeout
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, host := range hosts {
		stale := host.Enabled && !host.LastSeen.IsZero() && now.Sub(host.LastSeen) > timeout
		if stale && !r.staleSeen[host.ID] {
			metrics.HostStaleTotal.Inc()
			r.manager.RecordEvent(events.TypeHostStale, map[string]interface{}{
				events.FieldHostID: host.ID,
				"last_seen":        host.LastSeen,
			}, "")
			r.logger.Warn().Str("host_id", host.ID).Time("last_seen", host.LastSeen).Msg("host heartbeat stale")
		}
		r.staleSeen[host.ID] = stale
	}
}
