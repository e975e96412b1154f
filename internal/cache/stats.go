package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// regionCounters is one instance's view of one region's hit/miss/latency
// counters. Kept as plain atomics so Record* never blocks a request.
type regionCounters struct {
	hits       atomic.Int64
	misses     atomic.Int64
	getLatency atomic.Int64 // nanoseconds, last observed (cheap proxy for an average)
	getCount   atomic.Int64
}

// Snapshot is the per-region, per-instance view exposed by StatsCollector,
// exposed as a stable snapshot for health and API consumers.
type Snapshot struct {
	Region        string
	Hits          int64
	Misses        int64
	AverageGetNs  int64
	MemoryEntries int
}

// AggregatedSnapshot adds the distributed-tier aggregate view used by the
// drift check.
type AggregatedSnapshot struct {
	Snapshot
	AggregatedHits int64
}

// DriftAlert is raised when a region's aggregated count diverges from the
// sum of per-instance counts by more than the configured threshold.
type DriftAlert struct {
	Region    string
	SumPerInst int64
	Aggregated int64
	DriftRatio float64
}

// StatsCollector is the distributed statistics collector: per-instance
// atomic counters plus a background aggregation loop. The distributed
// tier used for cross-instance aggregation is injected as a narrow
// interface so tests can swap in a fake without a real Redis.
type StatsCollector struct {
	mu       sync.Mutex
	counters map[string]*regionCounters // region -> counters

	aggregator Aggregator
	driftThreshold float64
	log        *slog.Logger

	alertMu     sync.Mutex
	activeAlert map[string]*DriftAlert // region -> last alert, for in-place update/dedup

	onAlert func(DriftAlert)

	stop chan struct{}

	aggLatency atomic.Int64 // nanoseconds, last pollOnce duration
}

// Aggregator reads the summed per-instance counts for a region from the
// distributed tier. A nil Aggregator disables aggregation (memory-only
// degraded mode — see cache.Manager's failure semantics).
type Aggregator interface {
	Aggregate(ctx context.Context, region string) (sumPerInstance, aggregated int64, err error)
}

// DefaultDriftThreshold is the default drift tolerance of 1%.
const DefaultDriftThreshold = 0.01

func NewStatsCollector(aggregator Aggregator, log *slog.Logger) *StatsCollector {
	if log == nil {
		log = slog.Default()
	}
	return &StatsCollector{
		counters:       make(map[string]*regionCounters),
		aggregator:     aggregator,
		driftThreshold: DefaultDriftThreshold,
		log:            log,
		activeAlert:    make(map[string]*DriftAlert),
		stop:           make(chan struct{}),
	}
}

// OnAlert registers a callback invoked whenever a drift alert is raised
// or updated in place.
func (s *StatsCollector) OnAlert(fn func(DriftAlert)) { s.onAlert = fn }

func (s *StatsCollector) counterFor(region string) *regionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[region]
	if !ok {
		c = &regionCounters{}
		s.counters[region] = c
	}
	return c
}

func (s *StatsCollector) RecordHit(region string, latency time.Duration) {
	c := s.counterFor(region)
	c.hits.Add(1)
	c.getLatency.Store(latency.Nanoseconds())
	c.getCount.Add(1)
}

func (s *StatsCollector) RecordMiss(region string, latency time.Duration) {
	c := s.counterFor(region)
	c.misses.Add(1)
	c.getLatency.Store(latency.Nanoseconds())
	c.getCount.Add(1)
}

// Snapshot returns this instance's counters for region.
func (s *StatsCollector) Snapshot(region string) Snapshot {
	c := s.counterFor(region)
	return Snapshot{
		Region:       region,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		AverageGetNs: c.getLatency.Load(),
	}
}

// StartAggregation runs the background aggregation + drift-check loop
// every interval until ctx is done or Stop is called.
func (s *StatsCollector) StartAggregation(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.pollOnce(ctx)
			}
		}
	}()
}

func (s *StatsCollector) Stop() { close(s.stop) }

// AggregationLatency returns how long the most recent aggregation poll
// took, satisfying health.LatencyProbe. Zero until the first poll runs.
func (s *StatsCollector) AggregationLatency() time.Duration {
	return time.Duration(s.aggLatency.Load())
}

// RecordingLatencyP99 approximates the recording path's p99 as the worst
// last-observed Get latency across regions — regionCounters keeps only a
// single running value per region rather than a full histogram, so this is
// a conservative proxy, not a true percentile.
func (s *StatsCollector) RecordingLatencyP99() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var worst int64
	for _, c := range s.counters {
		if v := c.getLatency.Load(); v > worst {
			worst = v
		}
	}
	return time.Duration(worst)
}

func (s *StatsCollector) pollOnce(ctx context.Context) {
	if s.aggregator == nil {
		return
	}
	start := time.Now()
	defer func() { s.aggLatency.Store(int64(time.Since(start))) }()

	s.mu.Lock()
	regions := make([]string, 0, len(s.counters))
	for r := range s.counters {
		regions = append(regions, r)
	}
	s.mu.Unlock()

	for _, region := range regions {
		sum, aggregated, err := s.aggregator.Aggregate(ctx, region)
		if err != nil {
			s.log.WarnContext(ctx, "cache_stats_aggregate_error", slog.String("region", region), slog.String("error", err.Error()))
			continue
		}
		s.checkDrift(region, sum, aggregated)
	}
}

func (s *StatsCollector) checkDrift(region string, sumPerInstance, aggregated int64) {
	if sumPerInstance == 0 {
		return
	}
	diff := aggregated - sumPerInstance
	if diff < 0 {
		diff = -diff
	}
	ratio := float64(diff) / float64(sumPerInstance)
	if ratio <= s.driftThreshold {
		return
	}

	alert := DriftAlert{Region: region, SumPerInst: sumPerInstance, Aggregated: aggregated, DriftRatio: ratio}

	s.alertMu.Lock()
	existing, had := s.activeAlert[region]
	s.activeAlert[region] = &alert
	s.alertMu.Unlock()

	if had && existing.SumPerInst == sumPerInstance && existing.Aggregated == aggregated {
		// Identical repeated poll: update in place, do not re-trigger.
		return
	}
	if s.onAlert != nil {
		s.onAlert(alert)
	}
}
