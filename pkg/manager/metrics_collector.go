package manager

import (
	"time"

	"github.com/hangarhq/hangar/pkg/lease"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

// MetricsCollector refreshes the fleet gauges from the store.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a collector over the manager.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

// Collect refreshes all gauges once.
func (c *MetricsCollector) Collect() {
	c.collectLeaseMetrics()
	c.collectHostMetrics()
}

func (c *MetricsCollector) collectLeaseMetrics() {
	leases, err := c.manager.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.LeaseState]int)
	for _, l := range leases {
		counts[l.State]++
	}

	// Set every state explicitly so emptied states drop to zero.
	for _, state := range lease.States() {
		metrics.LeasesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *MetricsCollector) collectHostMetrics() {
	hosts, err := c.manager.ListHosts()
	if err != nil {
		return
	}

	enabled, disabled := 0, 0
	for _, h := range hosts {
		if h.Enabled {
			enabled++
		} else {
			disabled++
		}
	}
	metrics.HostsTotal.WithLabelValues("true").Set(float64(enabled))
	metrics.HostsTotal.WithLabelValues("false").Set(float64(disabled))
}
