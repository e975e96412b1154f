package cache

import (
	"context"
	"testing"
	"time"
)

type fixedAggregator struct {
	sum, aggregated int64
}

func (f fixedAggregator) Aggregate(_ context.Context, _ string) (int64, int64, error) {
	return f.sum, f.aggregated, nil
}

func TestStatsCollector_DriftAlert_TriggersOnceThenUpdatesInPlace(t *testing.T) {
	agg := fixedAggregator{sum: 300, aggregated: 150} // 100,100,100 vs 150 => 50% drift
	sc := NewStatsCollector(agg, nil)

	var alerts []DriftAlert
	sc.OnAlert(func(a DriftAlert) { alerts = append(alerts, a) })

	sc.counterFor("region-a") // ensure the region is known to the poller
	sc.pollOnce(context.Background())
	sc.pollOnce(context.Background()) // identical poll must not re-trigger

	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1", len(alerts))
	}
	if alerts[0].DriftRatio != 0.5 {
		t.Errorf("drift ratio = %v, want 0.5", alerts[0].DriftRatio)
	}
}

func TestStatsCollector_NoAlertWithinThreshold(t *testing.T) {
	agg := fixedAggregator{sum: 1000, aggregated: 1005} // 0.5% drift, within 1% default
	sc := NewStatsCollector(agg, nil)

	var alerts []DriftAlert
	sc.OnAlert(func(a DriftAlert) { alerts = append(alerts, a) })

	sc.counterFor("region-a")
	sc.pollOnce(context.Background())

	if len(alerts) != 0 {
		t.Fatalf("got %d alerts, want 0 within threshold", len(alerts))
	}
}

func TestStatsCollector_LatencyProbe(t *testing.T) {
	sc := NewStatsCollector(fixedAggregator{sum: 10, aggregated: 10}, nil)

	if sc.AggregationLatency() != 0 {
		t.Fatalf("AggregationLatency before any poll = %v, want 0", sc.AggregationLatency())
	}

	sc.counterFor("region-a")
	sc.RecordHit("region-a", 5*time.Millisecond)
	sc.RecordMiss("region-a", 50*time.Millisecond)
	sc.pollOnce(context.Background())

	if sc.AggregationLatency() <= 0 {
		t.Error("expected a non-zero aggregation latency after pollOnce")
	}
	if got := sc.RecordingLatencyP99(); got != 50*time.Millisecond {
		t.Errorf("RecordingLatencyP99() = %v, want 50ms (the worst observed)", got)
	}
}
