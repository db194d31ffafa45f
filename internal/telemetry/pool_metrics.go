package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics holds the metric instruments for the buffer pool.
type PoolMetrics struct {
	HitsCounter         metric.Int64Counter
	MissesCounter       metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	FlushesCounter      metric.Int64Counter
	PinnedUpDownCounter metric.Int64UpDownCounter
}

// NewPoolMetrics creates and registers all the metrics for the buffer pool.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	hitsCounter, err := meter.Int64Counter(
		"kurodb.buffer.pool.hits_total",
		metric.WithDescription("Total number of fetches served from the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	missesCounter, err := meter.Int64Counter(
		"kurodb.buffer.pool.misses_total",
		metric.WithDescription("Total number of fetches that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"kurodb.buffer.pool.evictions_total",
		metric.WithDescription("Total number of frames reclaimed from the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushesCounter, err := meter.Int64Counter(
		"kurodb.buffer.pool.flushes_total",
		metric.WithDescription("Total number of page writes issued to the disk manager."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedUpDownCounter, err := meter.Int64UpDownCounter(
		"kurodb.buffer.pool.pinned_frames",
		metric.WithDescription("Number of frames currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		HitsCounter:         hitsCounter,
		MissesCounter:       missesCounter,
		EvictionsCounter:    evictionsCounter,
		FlushesCounter:      flushesCounter,
		PinnedUpDownCounter: pinnedUpDownCounter,
	}, nil
}
