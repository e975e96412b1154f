package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

type fakeSink struct {
	mu       sync.Mutex
	accept   map[Severity]bool
	received []Alert
}

func newFakeSink(severities ...Severity) *fakeSink {
	s := &fakeSink{accept: make(map[Severity]bool)}
	for _, sev := range severities {
		s.accept[sev] = true
	}
	return s
}

func (f *fakeSink) Accepts(s Severity) bool { return f.accept[s] }

func (f *fakeSink) Notify(ctx context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, a)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type fakeRedisProbe struct {
	latency time.Duration
	memory  int64
	err     error
}

func (p *fakeRedisProbe) Ping(ctx context.Context) (time.Duration, int64, error) {
	return p.latency, p.memory, p.err
}

type fakeCensus struct {
	heartbeats map[string]time.Duration
}

func (c *fakeCensus) Heartbeats(ctx context.Context) (map[string]time.Duration, error) {
	return c.heartbeats, nil
}

func TestProbe_RedisConnectionFailureRaisesCriticalAlert(t *testing.T) {
	m := New(Config{}, &fakeRedisProbe{err: errors.New("dial tcp: refused")}, nil, nil, nil, nil)
	sink := newFakeSink(SeverityCritical)
	m.AddSink(sink)

	m.probe(context.Background())

	if sink.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", sink.count())
	}
	if sink.received[0].Type != AlertRedisConnectionFailure {
		t.Fatalf("alert type = %s", sink.received[0].Type)
	}
}

func TestProbe_HighRedisMemoryOnlyAboveThreshold(t *testing.T) {
	m := New(Config{RedisMemoryBytesThreshold: 1000}, &fakeRedisProbe{latency: time.Millisecond, memory: 2000}, nil, nil, nil, nil)
	sink := newFakeSink(SeverityWarning, SeverityError, SeverityCritical)
	m.AddSink(sink)

	m.probe(context.Background())

	found := false
	for _, a := range sink.received {
		if a.Type == AlertHighRedisMemory {
			found = true
		}
	}
	if !found {
		t.Fatal("expected HighRedisMemory alert")
	}
}

func TestProbe_InstanceNotReportingAndLowActiveInstances(t *testing.T) {
	m := New(Config{MaxInstanceMissingTime: time.Minute, MinActiveInstances: 2}, nil, &fakeCensus{
		heartbeats: map[string]time.Duration{
			"inst-a": 10 * time.Second,
			"inst-b": 5 * time.Minute,
		},
	}, nil, nil, nil)
	sink := newFakeSink(SeverityWarning, SeverityError, SeverityCritical)
	m.AddSink(sink)

	m.probe(context.Background())

	var sawNotReporting, sawLowActive bool
	for _, a := range sink.received {
		switch a.Type {
		case AlertInstanceNotReporting:
			sawNotReporting = true
		case AlertLowActiveInstances:
			sawLowActive = true
		}
	}
	if !sawNotReporting || !sawLowActive {
		t.Fatalf("received = %+v", sink.received)
	}
}

func TestProbe_DuplicateAlertUpdatesInPlaceWithoutRenotifying(t *testing.T) {
	m := New(Config{}, &fakeRedisProbe{err: errors.New("refused")}, nil, nil, nil, nil)
	sink := newFakeSink(SeverityCritical)
	m.AddSink(sink)

	m.probe(context.Background())
	m.probe(context.Background())

	if sink.count() != 1 {
		t.Fatalf("expected exactly 1 notification for an identical repeated violation, got %d", sink.count())
	}
}

func TestProbe_ClearedConditionRenotifiesOnRecurrence(t *testing.T) {
	probe := &fakeRedisProbe{err: errors.New("refused")}
	m := New(Config{}, probe, nil, nil, nil, nil)
	sink := newFakeSink(SeverityCritical)
	m.AddSink(sink)

	m.probe(context.Background())
	probe.err = nil
	probe.latency = time.Millisecond
	m.probe(context.Background())
	probe.err = errors.New("refused again")
	m.probe(context.Background())

	if sink.count() != 2 {
		t.Fatalf("expected 2 notifications (initial + re-trigger after recovery), got %d", sink.count())
	}
}

func TestOnDriftAlert_BridgesStatsCollectorToStatisticsDriftAlert(t *testing.T) {
	m := New(Config{}, nil, nil, nil, nil, nil)
	sink := newFakeSink(SeverityError)
	m.AddSink(sink)

	m.onDriftAlert(cache.DriftAlert{Region: "us-east", SumPerInst: 300, Aggregated: 150, DriftRatio: 0.5})

	if sink.count() != 1 || sink.received[0].Type != AlertStatisticsDrift {
		t.Fatalf("received = %+v", sink.received)
	}
}

func TestWebhookAndSlackSinks_DefaultSeverityFilters(t *testing.T) {
	wh := NewWebhookSink("http://example.invalid/hook")
	if wh.Accepts(SeverityWarning) {
		t.Fatal("webhook sink should not accept Warning by default")
	}
	if !wh.Accepts(SeverityError) || !wh.Accepts(SeverityCritical) {
		t.Fatal("webhook sink should accept Error and Critical by default")
	}

	sl := NewSlackSink("http://example.invalid/slack")
	if !sl.Accepts(SeverityWarning) || !sl.Accepts(SeverityError) || !sl.Accepts(SeverityCritical) {
		t.Fatal("slack sink should accept Warning, Error, and Critical by default")
	}
}
