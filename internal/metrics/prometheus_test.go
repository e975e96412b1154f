package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestAddCost_AccumulatesByOperation(t *testing.T) {
	r := New()
	r.AddCost("chat_completions", 0.0012)
	r.AddCost("chat_completions", 0.0008)
	r.AddCost("embeddings", 5.00)

	mf, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range mf {
		if f.GetName() != "cost_dollars" {
			continue
		}
		for _, m := range f.Metric {
			for _, l := range m.Label {
				if l.GetName() == "operation" && l.GetValue() == "chat_completions" {
					found = true
					if got := m.Counter.GetValue(); got < 0.0019 || got > 0.0021 {
						t.Fatalf("chat_completions cost = %f, want ~0.002", got)
					}
				}
			}
		}
	}
	if !found {
		t.Fatal("cost_dollars{operation=\"chat_completions\"} not found")
	}
}

func TestAddCost_IgnoresZeroAndNegative(t *testing.T) {
	r := New()
	r.AddCost("chat_completions", 0)
	r.AddCost("chat_completions", -1)

	mf, _ := r.PromRegistry().Gather()
	for _, f := range mf {
		if f.GetName() != "cost_dollars" {
			continue
		}
		if len(f.Metric) != 0 {
			t.Fatalf("expected no cost_dollars series to be created, got %d", len(f.Metric))
		}
	}
}

func TestActiveOperations_IncDecRoundTrip(t *testing.T) {
	r := New()
	r.IncActiveOperations("chat_completions")
	r.IncActiveOperations("chat_completions")
	r.DecActiveOperations("chat_completions")

	mf, _ := r.PromRegistry().Gather()
	for _, f := range mf {
		if f.GetName() != "active_operations" {
			continue
		}
		for _, m := range f.Metric {
			if m.Gauge.GetValue() != 1 {
				t.Fatalf("active_operations = %f, want 1", m.Gauge.GetValue())
			}
		}
	}
}

func TestRecordRealtimeSession_ObservesLatency(t *testing.T) {
	r := New()
	r.RecordRealtimeSession("ultravox", "ok", 250*time.Millisecond)

	mf, _ := r.PromRegistry().Gather()
	var sawCounter, sawHist bool
	for _, f := range mf {
		switch f.GetName() {
		case "realtime_sessions_total":
			sawCounter = len(f.Metric) == 1
		case "realtime_latency_seconds":
			sawHist = len(f.Metric) == 1 && f.Metric[0].Histogram.GetSampleCount() == 1
		}
	}
	if !sawCounter || !sawHist {
		t.Fatalf("expected both realtime_sessions_total and realtime_latency_seconds to have one sample")
	}
}

func TestSetProviderErrorRateAndUptime(t *testing.T) {
	r := New()
	r.SetProviderErrorRate("openai-primary", 0.02)
	r.SetProviderUptimeRatio("openai-primary", 0.998)
	r.SetCacheHitRatio("us-east", 0.71)
	r.SetRedisMemoryBytes(104857600)

	mf, _ := r.PromRegistry().Gather()
	names := map[string]bool{}
	for _, f := range mf {
		if len(f.Metric) > 0 {
			names[f.GetName()] = true
		}
	}
	for _, want := range []string{"gateway_provider_error_rate", "gateway_provider_uptime_ratio", "gateway_cache_hit_ratio", "gateway_redis_memory_bytes"} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
}
