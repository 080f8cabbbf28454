// Package placement selects a host for a new lease under capacity,
// admission, and label constraints.
package placement

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hangarhq/hangar/pkg/types"
)

// Rejection reason codes surfaced to the scaler and operators.
var (
	ErrNoHostsEnabled       = errors.New("NO_HOSTS_ENABLED")
	ErrInsufficientCapacity = errors.New("INSUFFICIENT_CAPACITY")
	ErrLabelNotServed       = errors.New("LABEL_NOT_SERVED")
)

// Request is one placement query.
type Request struct {
	Label string
	CPU   int
	RAMMB int
}

// reservation is the advisory in-memory hold on host capacity between a
// placement decision and the heartbeat that reflects the real VM. It
// decays on its own; it is never authoritative.
type reservation struct {
	cpu       int
	ramMB     int
	expiresAt time.Time
}

// Placement scores schedulable hosts and tracks short-lived advisory
// reservations so one tick's burst does not pile onto a single host.
type Placement struct {
	staleAfter time.Duration
	reserveTTL time.Duration

	// labelHosts, when a label is present, restricts it to the listed
	// hosts. Labels not in the map are served by every host.
	labelHosts map[string][]string

	mu           sync.Mutex
	reservations map[string][]reservation
	now          func() time.Time
}

// New creates a Placement. staleAfter bounds heartbeat age for a host
// to count as alive; reservations decay after reserveTTL.
func New(staleAfter, reserveTTL time.Duration) *Placement {
	return &Placement{
		staleAfter:   staleAfter,
		reserveTTL:   reserveTTL,
		labelHosts:   make(map[string][]string),
		reservations: make(map[string][]reservation),
		now:          time.Now,
	}
}

// PinLabel restricts a label to an explicit host set.
func (p *Placement) PinLabel(label string, hostIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labelHosts[label] = hostIDs
}

// Schedulable reports whether the host can accept new leases at all.
func (p *Placement) Schedulable(host *types.Host) bool {
	if !host.Enabled {
		return false
	}
	if host.LastSeen.IsZero() || p.now().Sub(host.LastSeen) > p.staleAfter {
		return false
	}
	if host.Platform.SelectedAccel != "" && !containsString(host.Platform.SupportedAccels, host.Platform.SelectedAccel) {
		return false
	}
	return true
}

// Pick returns the best host for the request, or a rejection reason.
// Ties break deterministically by host_id.
func (p *Placement) Pick(req Request, hosts []*types.Host) (*types.Host, error) {
	served := p.hostsServing(req.Label, hosts)
	if len(served) == 0 {
		if len(hosts) > 0 {
			return nil, ErrLabelNotServed
		}
		return nil, ErrNoHostsEnabled
	}

	anyEnabled := false
	var candidates []*types.Host
	for _, host := range served {
		if host.Enabled {
			anyEnabled = true
		}
		if !p.Schedulable(host) {
			continue
		}
		free := p.effectiveFree(host)
		if free.CPUFree < 1 || free.CPUFree < req.CPU || free.RAMFreeMB < req.RAMMB {
			continue
		}
		candidates = append(candidates, host)
	}

	if len(candidates) == 0 {
		if !anyEnabled {
			return nil, ErrNoHostsEnabled
		}
		return nil, ErrInsufficientCapacity
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Capacity.IOPressure != b.Capacity.IOPressure {
			return a.Capacity.IOPressure < b.Capacity.IOPressure
		}
		af, bf := p.effectiveFree(a), p.effectiveFree(b)
		if af.RAMFreeMB != bf.RAMFreeMB {
			return af.RAMFreeMB > bf.RAMFreeMB
		}
		if af.CPUFree != bf.CPUFree {
			return af.CPUFree > bf.CPUFree
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	p.reserve(chosen.ID, req.CPU, req.RAMMB)
	return chosen, nil
}

// SchedulableCapacity estimates how many leases of the given demand the
// fleet could still absorb; the scaler uses it to bound fan-out.
func (p *Placement) SchedulableCapacity(req Request, hosts []*types.Host) int {
	total := 0
	for _, host := range p.hostsServing(req.Label, hosts) {
		if !p.Schedulable(host) {
			continue
		}
		free := p.effectiveFree(host)
		byCPU := free.CPUFree / max(req.CPU, 1)
		byRAM := free.RAMFreeMB / max(req.RAMMB, 1)
		if n := min(byCPU, byRAM); n > 0 {
			total += n
		}
	}
	return total
}

func (p *Placement) hostsServing(label string, hosts []*types.Host) []*types.Host {
	p.mu.Lock()
	pinned, restricted := p.labelHosts[label]
	p.mu.Unlock()
	if !restricted {
		return hosts
	}
	var out []*types.Host
	for _, host := range hosts {
		if containsString(pinned, host.ID) {
			out = append(out, host)
		}
	}
	return out
}

// effectiveFree subtracts live reservations from the declared capacity.
func (p *Placement) effectiveFree(host *types.Host) types.Capacity {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := host.Capacity
	now := p.now()
	kept := p.reservations[host.ID][:0]
	for _, r := range p.reservations[host.ID] {
		if now.After(r.expiresAt) {
			continue
		}
		kept = append(kept, r)
		free.CPUFree -= r.cpu
		free.RAMFreeMB -= r.ramMB
	}
	p.reservations[host.ID] = kept
	return free
}

func (p *Placement) reserve(hostID string, cpu, ramMB int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservations[hostID] = append(p.reservations[hostID], reservation{
		cpu:       cpu,
		ramMB:     ramMB,
		expiresAt: p.now().Add(p.reserveTTL),
	})
}

// Release drops one reservation for the host, used when a provisioning
// attempt is unwound before any VM existed.
func (p *Placement) Release(hostID string, cpu, ramMB int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.reservations[hostID]
	for i, r := range held {
		if r.cpu == cpu && r.ramMB == ramMB {
			p.reservations[hostID] = append(held[:i], held[i+1:]...)
			return
		}
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
