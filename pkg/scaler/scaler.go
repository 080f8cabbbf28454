// Package scaler watches the controller build queue and launches leases
// to cover the per-label deficit.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangarhq/hangar/pkg/controller"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/placement"
	"github.com/hangarhq/hangar/pkg/provisioner"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

// Scaler is the demand loop. Each tick it snapshots the queue, computes
// the per-label deficit, and launches at most a bounded burst of leases.
type Scaler struct {
	manager     *manager.Manager
	adapter     controller.Adapter
	provisioner *provisioner.Provisioner
	placement   *placement.Placement
	logger      zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a Scaler.
func New(mgr *manager.Manager, adapter controller.Adapter, prov *provisioner.Provisioner, pl *placement.Placement) *Scaler {
	return &Scaler{
		manager:     mgr,
		adapter:     adapter,
		provisioner: prov,
		placement:   pl,
		logger:      log.WithComponent("scaler"),
		cooldowns:   make(map[string]time.Time),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the scale loop.
func (s *Scaler) Start() {
	go s.run()
}

// Stop stops the loop and waits for the current tick to finish.
func (s *Scaler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scaler) run() {
	defer close(s.doneCh)
	interval := s.manager.Config().LoopInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			s.Tick(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one scale pass. Exported so tests and the API can drive the
// loop synchronously.
func (s *Scaler) Tick(ctx context.Context) {
	defer metrics.ScaleCyclesTotal.Inc()

	queue, err := s.adapter.QueueSnapshot(ctx)
	if err != nil {
		// No queue data means no scaling decision this tick; a stale
		// snapshot must never drive launches.
		s.logger.Warn().Err(err).Msg("queue snapshot failed, skipping tick")
		return
	}

	leases, err := s.manager.ListLeases(storage.LeaseFilter{NonTerminal: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list leases")
		return
	}
	hosts, err := s.manager.ListHosts()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list hosts")
		return
	}

	totalActive := len(leases)
	inflightByLabel := make(map[string]int)
	idleByLabel := make(map[string]int)
	for _, l := range leases {
		if l.Inflight() {
			inflightByLabel[l.Label]++
		}
		if l.State == types.LeaseStateConnected {
			idleByLabel[l.Label]++
		}
	}

	for label, queued := range queue {
		if queued <= 0 {
			continue
		}
		launched := s.scaleLabel(ctx, label, queued, inflightByLabel[label], idleByLabel[label], totalActive, hosts)
		totalActive += launched
	}
}

// scaleLabel computes the deficit for one label and launches up to the
// allowed burst. Returns the number of leases actually launched.
func (s *Scaler) scaleLabel(ctx context.Context, label string, queued, inflight, idle, totalActive int, hosts []*types.Host) int {
	cfg := s.manager.Config()

	if until, held := s.cooldownUntil(label); held {
		s.logger.Debug().Str("label", label).Time("until", until).Msg("label in cooldown")
		return 0
	}

	deficit := queued - inflight - idle
	if deficit <= 0 {
		return 0
	}

	launchable := deficit
	if launchable > cfg.LabelBurst {
		launchable = cfg.LabelBurst
	}
	if headroom := cfg.LabelMaxInflight - inflight; launchable > headroom {
		launchable = headroom
	}
	if headroom := cfg.GlobalMaxVMs - totalActive; launchable > headroom {
		launchable = headroom
	}
	profile := provisioner.ProfileForLabel(label)
	if room := s.placement.SchedulableCapacity(placement.Request{Label: label, CPU: profile.VCPU, RAMMB: profile.RAMMB}, hosts); launchable > room {
		launchable = room
	}
	if launchable <= 0 {
		return 0
	}

	launched := 0
	for i := 0; i < launchable; i++ {
		if err := s.launchOne(ctx, label, hosts); err != nil {
			break
		}
		launched++
	}

	if launched > 0 {
		s.setCooldown(label)
		s.manager.RecordEvent(events.TypeScaleLaunch, map[string]interface{}{
			"label":    label,
			"queued":   queued,
			"inflight": inflight,
			"idle":     idle,
			"launched": launched,
		}, "")
		s.logger.Info().
			Str("label", label).
			Int("queued", queued).
			Int("deficit", deficit).
			Int("launched", launched).
			Msg("scaled up")
	}
	return launched
}

func (s *Scaler) launchOne(ctx context.Context, label string, hosts []*types.Host) error {
	metrics.LaunchAttemptsTotal.WithLabelValues(label).Inc()

	l := s.provisioner.NewLease(label)
	if err := s.manager.CreateLease(l); err != nil {
		s.logger.Warn().Err(err).Str("label", label).Msg("lease admission rejected")
		return err
	}
	if err := s.provisioner.Provision(ctx, l, hosts); err != nil {
		return err
	}
	return nil
}

func (s *Scaler) cooldownUntil(label string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[label]
	if !ok || s.now().After(until) {
		delete(s.cooldowns, label)
		return time.Time{}, false
	}
	return until, true
}

func (s *Scaler) setCooldown(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[label] = s.now().Add(s.manager.Config().Cooldown)
}
