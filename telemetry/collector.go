package telemetry

import (
	"sync"
	"time"
)

// StatsProvider exposes gauges that are cheaper to sample than to push
type StatsProvider interface {
	PendingSubscriptionCount() int
}

// LagProvider reports undelivered notifications per sink
type LagProvider interface {
	DeliveryLag() map[string]uint64
}

// MetricsCollector periodically samples stats and updates telemetry gauges
type MetricsCollector struct {
	stats    StatsProvider
	lag      LagProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either provider may be nil.
func NewMetricsCollector(stats StatsProvider, lag LagProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		stats:    stats,
		lag:      lag,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.stats != nil {
		PendingSubscriptions.Set(float64(mc.stats.PendingSubscriptionCount()))
	}
	if mc.lag != nil {
		for sink, lag := range mc.lag.DeliveryLag() {
			DeliveryLag.With(sink).Set(float64(lag))
		}
	}
}
