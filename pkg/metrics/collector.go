package metrics

import (
	"context"
	"time"

	"github.com/tandem-io/tandem/pkg/types"
)

// StatsProvider supplies the gauge snapshots the collector polls. The
// metadata store implements it.
type StatsProvider interface {
	CountPendingWAL(ctx context.Context) (map[string]int, error)
	CountMappings(ctx context.Context) (map[string]int, error)
	CountAttempts(ctx context.Context) (map[string]int, error)
}

// Sink persists best-effort metric snapshot rows. Insert failures are
// swallowed: losing a measurement never degrades the data path.
type Sink interface {
	InsertMetricPoint(ctx context.Context, p types.MetricPoint) error
}

// Locker serializes the metrics critical section
type Locker interface {
	Lock(name string) func()
}

// Collector periodically refreshes store-derived gauges and snapshots a
// few key series into the metrics table for trend queries.
type Collector struct {
	provider StatsProvider
	sink     Sink
	locks    Locker
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector. sink may be nil to disable
// snapshot persistence; locks may be nil when no critical sections are
// shared with the caller.
func NewCollector(provider StatsProvider, sink Sink, locks Locker, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		sink:     sink,
		locks:    locks,
		interval: interval,
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.locks != nil {
		unlock := c.locks.Lock("metrics")
		defer unlock()
	}

	c.collectWALMetrics(ctx)
	c.collectMappingMetrics(ctx)
	c.collectAttemptMetrics(ctx)
}

func (c *Collector) collectWALMetrics(ctx context.Context) {
	pending, err := c.provider.CountPendingWAL(ctx)
	if err != nil {
		return
	}

	total := 0
	for instance, count := range pending {
		WALDepth.WithLabelValues(instance).Set(float64(count))
		total += count
	}

	c.snapshot(ctx, "wal_pending_entries", float64(total), nil)
}

func (c *Collector) collectMappingMetrics(ctx context.Context) {
	counts, err := c.provider.CountMappings(ctx)
	if err != nil {
		return
	}

	for status, count := range counts {
		MappingsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectAttemptMetrics(ctx context.Context) {
	counts, err := c.provider.CountAttempts(ctx)
	if err != nil {
		return
	}

	stuck := 0
	for status, count := range counts {
		AttemptsTotal.WithLabelValues(status).Set(float64(count))
		if status == string(types.AttemptAttempting) || status == string(types.AttemptPendingRecovery) {
			stuck += count
		}
	}

	c.snapshot(ctx, "transaction_attempts_open", float64(stuck), nil)
}

func (c *Collector) snapshot(ctx context.Context, name string, value float64, labels map[string]string) {
	if c.sink == nil {
		return
	}
	_ = c.sink.InsertMetricPoint(ctx, types.MetricPoint{
		Name:       name,
		Value:      value,
		Labels:     labels,
		RecordedAt: time.Now().UTC(),
	})
}
