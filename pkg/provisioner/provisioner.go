// Package provisioner turns an admitted lease into a controller node and
// a booting VM on a chosen host.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hangarhq/hangar/pkg/controller"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/httpclient"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/nodeagent"
	"github.com/hangarhq/hangar/pkg/placement"
	"github.com/hangarhq/hangar/pkg/types"
)

// Provisioner drives one lease from REQUESTED through BOOTING. Each step
// is a CAS against the store, so a crash mid-flight leaves a state the
// reconciler and GC know how to finish.
type Provisioner struct {
	manager   *manager.Manager
	adapter   controller.Adapter
	agents    nodeagent.Factory
	placement *placement.Placement
	logger    zerolog.Logger
}

// New wires a Provisioner.
func New(mgr *manager.Manager, adapter controller.Adapter, agents nodeagent.Factory, pl *placement.Placement) *Provisioner {
	return &Provisioner{
		manager:   mgr,
		adapter:   adapter,
		agents:    agents,
		placement: pl,
		logger:    log.WithComponent("provisioner"),
	}
}

// NewLease builds a REQUESTED lease record for a label. Nothing external
// exists yet; the caller admits it via Manager.CreateLease.
func (p *Provisioner) NewLease(label string) *types.Lease {
	cfg := p.manager.Config()
	now := time.Now().UTC()
	id := uuid.New().String()
	profile := ProfileForLabel(label)
	return &types.Lease{
		ID:                 id,
		VMID:               "vm-" + id,
		Label:              label,
		ControllerNodeName: cfg.NodePrefix + NormalizeNodeLabel(label) + "-" + id[:8],
		State:              types.LeaseStateRequested,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConnectDeadline:    now.Add(cfg.ConnectDeadline),
		TTLDeadline:        now.Add(cfg.VMTTL),
		CPUReserved:        profile.VCPU,
		RAMReservedMB:      profile.RAMMB,
	}
}

// Provision runs the launch sequence for one REQUESTED lease: pick a
// host, create the controller node, push the VM spec to the node agent.
// Any failure unwinds to FAILED with a best-effort node cleanup; the
// vm_id keyed PUT makes a replayed step harmless.
func (p *Provisioner) Provision(ctx context.Context, l *types.Lease, hosts []*types.Host) error {
	cfg := p.manager.Config()
	profile := ProfileForLabel(l.Label)
	logger := log.WithLeaseID(l.ID)

	host, err := p.placement.Pick(placement.Request{
		Label: l.Label,
		CPU:   profile.VCPU,
		RAMMB: profile.RAMMB,
	}, hosts)
	if err != nil {
		p.fail(l, types.LeaseStateRequested, "placement", err)
		return err
	}

	hostID := host.ID
	if _, err := p.manager.TransitionLease(l.ID, types.LeaseStateRequested, types.LeaseStateProvisioning, "", map[string]interface{}{
		events.FieldHostID: hostID,
	}, func(lease *types.Lease) {
		lease.HostID = hostID
	}); err != nil {
		p.placement.Release(hostID, profile.VCPU, profile.RAMMB)
		return err
	}
	l.HostID = hostID
	l.State = types.LeaseStateProvisioning

	secret, err := p.adapter.CreateNode(ctx, l.ControllerNodeName, l.Label)
	if err != nil {
		p.placement.Release(hostID, profile.VCPU, profile.RAMMB)
		p.fail(l, types.LeaseStateProvisioning, "controller_create_node", err)
		return err
	}

	spec := &types.VMSpec{
		VMID:                 l.VMID,
		Label:                l.Label,
		BaseImageID:          cfg.BaseImageID,
		VCPU:                 profile.VCPU,
		RAMMB:                profile.RAMMB,
		DiskGB:               profile.DiskGB,
		TTLDeadline:          l.TTLDeadline.Format(time.RFC3339),
		ConnectDeadline:      l.ConnectDeadline.Format(time.RFC3339),
		ControllerURL:        cfg.ControllerURL,
		ControllerNodeName:   l.ControllerNodeName,
		InboundSecret:        secret,
		CloudInitUserDataB64: BuildUserData(cfg.ControllerURL, l.ControllerNodeName, secret),
	}

	if err := p.agents(host).EnsureVM(ctx, spec); err != nil {
		// The node exists but will never see an agent; reap it now so
		// builds cannot be scheduled onto it.
		if delErr := p.adapter.DeleteNode(ctx, l.ControllerNodeName); delErr != nil && !errors.Is(delErr, controller.ErrNotFound) {
			logger.Warn().Err(delErr).Str("node", l.ControllerNodeName).Msg("failed to clean up controller node after launch failure")
		}
		p.placement.Release(hostID, profile.VCPU, profile.RAMMB)
		p.fail(l, types.LeaseStateProvisioning, "agent_ensure_vm", err)
		return err
	}

	if _, err := p.manager.TransitionLease(l.ID, types.LeaseStateProvisioning, types.LeaseStateBooting, "", nil, nil); err != nil {
		return err
	}
	l.State = types.LeaseStateBooting

	logger.Info().
		Str("label", l.Label).
		Str("host_id", hostID).
		Str("vm_id", l.VMID).
		Msg("lease launched")
	return nil
}

// fail moves the lease to FAILED and records the launch failure with a
// stable error_type for operators and tests.
func (p *Provisioner) fail(l *types.Lease, from types.LeaseState, step string, cause error) {
	errorType := classify(cause)
	detail := fmt.Sprintf("%s: %v", step, cause)

	metrics.LaunchFailuresTotal.WithLabelValues(l.Label, errorType).Inc()
	p.manager.RecordEvent(events.TypeScaleLaunchFailed, map[string]interface{}{
		"label":                 l.Label,
		events.FieldHostID:      l.HostID,
		events.FieldErrorType:   errorType,
		events.FieldErrorDetail: detail,
	}, l.ID)

	if _, err := p.manager.TransitionLease(l.ID, from, types.LeaseStateFailed, step, map[string]interface{}{
		events.FieldErrorType: errorType,
	}, func(lease *types.Lease) {
		lease.LastError = detail
	}); err != nil {
		p.logger.Error().Err(err).Str("lease_id", l.ID).Msg("failed to mark lease FAILED")
	}
}

// classify maps a launch error to its stable error_type.
func classify(err error) string {
	var rf *httpclient.RequestFailure
	if errors.As(err, &rf) {
		return rf.ErrorType
	}
	switch {
	case errors.Is(err, placement.ErrNoHostsEnabled):
		return "NO_HOSTS_ENABLED"
	case errors.Is(err, placement.ErrInsufficientCapacity):
		return "INSUFFICIENT_CAPACITY"
	case errors.Is(err, placement.ErrLabelNotServed):
		return "LABEL_NOT_SERVED"
	}
	return "internal"
}
