package metrics

import (
	"time"
)

// Snapshot is a point-in-time view of the node agent
type Snapshot struct {
	ActiveRunners   int
	Capacity        int
	Connected       bool
	Registered      bool
	Enabled         bool
	VersionMismatch bool
	ConfigRevision  int
	StoreHealthy    bool
}

// Source provides snapshots to the collector
type Source interface {
	Snapshot() Snapshot
}

// Collector samples the agent on an interval and updates gauges and health
// components from it.
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

const defaultCollectInterval = 15 * time.Second

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: defaultCollectInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	s := c.source.Snapshot()

	RunnersActive.Set(float64(s.ActiveRunners))
	RunnersCapacity.Set(float64(s.Capacity))
	BoolGauge(ChannelConnected, s.Connected)
	BoolGauge(ChannelRegistered, s.Registered)
	BoolGauge(NodeEnabled, s.Enabled)
	BoolGauge(VersionMismatch, s.VersionMismatch)
	ConfigRevision.Set(float64(s.ConfigRevision))

	c.collectHealth(s)
}

func (c *Collector) collectHealth(s Snapshot) {
	switch {
	case !s.Connected:
		UpdateComponent(ComponentChannel, LevelUnhealthy, "disconnected")
	case !s.Registered:
		UpdateComponent(ComponentChannel, LevelUnhealthy, "connected, not registered")
	default:
		UpdateComponent(ComponentChannel, LevelHealthy, "")
	}

	if s.StoreHealthy {
		UpdateComponent(ComponentStore, LevelHealthy, "")
	} else {
		UpdateComponent(ComponentStore, LevelUnhealthy, "store unavailable")
	}

	switch {
	case s.VersionMismatch:
		UpdateComponent(ComponentRunners, LevelDegraded, "version mismatch, refusing work")
	case !s.Enabled:
		UpdateComponent(ComponentRunners, LevelDegraded, "disabled by server")
	case s.Capacity > 0 && s.ActiveRunners >= s.Capacity:
		UpdateComponent(ComponentRunners, LevelHealthy, "at capacity")
	default:
		UpdateComponent(ComponentRunners, LevelHealthy, "")
	}

	SetNodeSummary(NodeSummary{
		ActiveRunners:  s.ActiveRunners,
		Capacity:       s.Capacity,
		ConfigRevision: s.ConfigRevision,
		AcceptingWork:  s.Enabled && !s.VersionMismatch,
	})
}
