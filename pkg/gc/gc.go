// Package gc enforces lease deadlines and finishes teardowns. It is the
// only loop that moves leases to TERMINATED.
package gc

import (
	"context"
	"errors"
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

// GC sweeps leases on its own interval: connect deadlines, TTLs, and
// the teardown of everything in TERMINATING. Teardown retries are
// counted in memory only; a restart grants a fresh budget, and a lease
// past its budget is still retried, just flagged loudly.
type GC struct {
	manager *manager.Manager
	adapter controller.Adapter
	agents  nodeagent.Factory
	logger  zerolog.Logger

	mu         sync.Mutex
	retries    map[string]int
	reportedAt map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a GC.
func New(mgr *manager.Manager, adapter controller.Adapter, agents nodeagent.Factory) *GC {
	return &GC{
		manager:    mgr,
		adapter:    adapter,
		agents:     agents,
		logger:     log.WithComponent("gc"),
		retries:    make(map[string]int),
		reportedAt: make(map[string]bool),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the GC loop.
func (g *GC) Start() {
	go g.run()
}

// Stop stops the loop and waits for the current sweep to finish.
func (g *GC) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *GC) run() {
	defer close(g.doneCh)
	interval := g.manager.Config().GCInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			g.Tick(ctx)
			cancel()
		case <-g.stopCh:
			return
		}
	}
}

// Tick runs one sweep. Exported for synchronous use in tests.
func (g *GC) Tick(ctx context.Context) {
	leases, err := g.manager.ListLeases(storage.LeaseFilter{NonTerminal: true})
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list leases")
		return
	}

	now := time.Now().UTC()
	for _, l := range leases {
		if l.State == types.LeaseStateTerminating {
			g.teardown(ctx, l)
			continue
		}

		// The TTL bounds every non-terminal lease, whatever state a
		// crash or a disconnect cycle stranded it in.
		if !l.TTLDeadline.IsZero() && now.After(l.TTLDeadline) {
			g.expire(l, "ttl_expired")
			continue
		}

		switch l.State {
		case types.LeaseStateRequested, types.LeaseStateProvisioning,
			types.LeaseStateBooting, types.LeaseStateConnecting:
			if now.After(l.ConnectDeadline) {
				g.expire(l, "never_connected")
				metrics.LeasesNeverConnectedTotal.Inc()
			}
		}
	}
}

// expire moves a lease into TERMINATING; the teardown happens on this
// or a later sweep.
func (g *GC) expire(l *types.Lease, reason string) {
	if _, err := g.manager.TransitionLease(l.ID, l.State, types.LeaseStateTerminating, reason, nil, nil); err != nil {
		return
	}
	metrics.LeasesTerminatedTotal.WithLabelValues(reason).Inc()
	l.State = types.LeaseStateTerminating
	g.logger.Info().Str("lease_id", l.ID).Str("reason", reason).Msg("lease expired")
}

// teardown deletes the VM, then the controller node, then finalizes the
// lease. The VM delete gates the rest: a live VM whose node is gone
// could still accept a build on reconnect. Once the VM is gone, a
// controller failure no longer blocks finalization. Node-agent 404s and
// controller 404s both count as done.
func (g *GC) teardown(ctx context.Context, l *types.Lease) {
	if l.HostID != "" {
		host, err := g.manager.GetHost(l.HostID)
		if err == nil && host.AgentURL != "" {
			if err := g.agents(host).DeleteVM(ctx, l.VMID, "teardown"); err != nil {
				g.retryLater(l, "agent_delete_vm", err)
				return
			}
		}
		// Host record gone or never registered an agent URL: nothing to
		// delete on the agent side.
	}

	if err := g.adapter.DeleteNode(ctx, l.ControllerNodeName); err != nil && !errors.Is(err, controller.ErrNotFound) {
		// The VM is already gone, so the lease finalizes anyway; the
		// stale-node sweep reaps the leftover controller node once the
		// controller is reachable again.
		g.logger.Warn().Err(err).
			Str("lease_id", l.ID).
			Str("node", l.ControllerNodeName).
			Msg("controller node delete failed, finalizing lease")
	}

	if _, err := g.manager.TransitionLease(l.ID, types.LeaseStateTerminating, types.LeaseStateTerminated, "", nil, nil); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			g.logger.Error().Err(err).Str("lease_id", l.ID).Msg("failed to finalize lease")
		}
		return
	}

	g.mu.Lock()
	delete(g.retries, l.ID)
	delete(g.reportedAt, l.ID)
	g.mu.Unlock()

	g.logger.Info().Str("lease_id", l.ID).Str("vm_id", l.VMID).Msg("lease terminated")
}

// retryLater counts the failed attempt. The lease stays in TERMINATING
// and is retried every sweep forever; crossing the budget only raises
// the retry_exhausted flag once so operators notice.
func (g *GC) retryLater(l *types.Lease, step string, cause error) {
	g.mu.Lock()
	g.retries[l.ID]++
	count := g.retries[l.ID]
	budget := g.manager.Config().RetryBudget
	exhausted := count >= budget && !g.reportedAt[l.ID]
	if exhausted {
		g.reportedAt[l.ID] = true
	}
	g.mu.Unlock()

	g.manager.RecordEvent(events.TypeLeaseTerminateRetry, map[string]interface{}{
		"step":                  step,
		"attempt":               count,
		events.FieldErrorDetail: cause.Error(),
	}, l.ID)
	g.logger.Warn().Err(cause).Str("lease_id", l.ID).Str("step", step).Int("attempt", count).Msg("teardown attempt failed")

	if exhausted {
		metrics.RetryExhaustedTotal.Inc()
		g.manager.RecordEvent(events.TypeLeaseRetryExhausted, map[string]interface{}{
			"step":     step,
			"attempts": count,
		}, l.ID)
		g.logger.Error().Str("lease_id", l.ID).Int("attempts", count).Msg("teardown retry budget exhausted, still retrying")
	}
}
