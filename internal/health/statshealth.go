// Package health runs the statistics-health background loop:
// every 30s it pings the distributed cache tier, takes an active-instance
// census, validates per-region counter accuracy, probes aggregation and
// recording latency, and checks memory pressure. Each violation raises one
// of seven named, deduplicated alerts; duplicates within the same window
// update the existing alert in place instead of re-firing, mirroring
// internal/cache.StatsCollector's own drift-alert dedup.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

// Severity classifies an Alert for sink filtering against each sink's
// configured severity set.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertType is one of the seven named statistics-health violations.
type AlertType string

const (
	AlertInstanceNotReporting   AlertType = "InstanceNotReporting"
	AlertHighAggregationLatency AlertType = "HighAggregationLatency"
	AlertHighRedisMemory        AlertType = "HighRedisMemory"
	AlertLowActiveInstances     AlertType = "LowActiveInstances"
	AlertRedisConnectionFailure AlertType = "RedisConnectionFailure"
	AlertStatisticsDrift        AlertType = "StatisticsDrift"
	AlertHighRecordingLatency   AlertType = "HighRecordingLatency"
)

// Alert is one raised or updated-in-place violation.
type Alert struct {
	Type     AlertType
	Severity Severity
	Message  string
	Context  map[string]string
	At       time.Time
}

// Sink delivers an alert to an external channel (webhook, Slack, ...). A
// sink failure is logged and swallowed — alerting is best-effort and must
// never block the health loop.
type Sink interface {
	Notify(ctx context.Context, alert Alert) error
	Accepts(Severity) bool
}

// RedisProbe pings the distributed cache tier and reports its memory use.
type RedisProbe interface {
	Ping(ctx context.Context) (latency time.Duration, memoryBytes int64, err error)
}

// InstanceCensus reports how long ago each known gateway instance last
// reported a heartbeat to the distributed tier.
type InstanceCensus interface {
	Heartbeats(ctx context.Context) (map[string]time.Duration, error)
}

// LatencyProbe reports the aggregation loop's and recording path's current
// latency figures, as tracked by the cache/metrics layers.
type LatencyProbe interface {
	AggregationLatency() time.Duration
	RecordingLatencyP99() time.Duration
}

// Config holds the thresholds the background checks are validated against.
type Config struct {
	PollInterval              time.Duration
	PingLatencyBound          time.Duration
	MaxInstanceMissingTime    time.Duration
	MinActiveInstances        int
	AggregationLatencyBound   time.Duration
	RecordingLatencyP99Bound  time.Duration
	RedisMemoryBytesThreshold int64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PingLatencyBound <= 0 {
		c.PingLatencyBound = 100 * time.Millisecond
	}
	if c.MaxInstanceMissingTime <= 0 {
		c.MaxInstanceMissingTime = 90 * time.Second
	}
	if c.MinActiveInstances <= 0 {
		c.MinActiveInstances = 1
	}
	if c.AggregationLatencyBound <= 0 {
		c.AggregationLatencyBound = 500 * time.Millisecond
	}
	if c.RecordingLatencyP99Bound <= 0 {
		c.RecordingLatencyP99Bound = 50 * time.Millisecond
	}
	if c.RedisMemoryBytesThreshold <= 0 {
		c.RedisMemoryBytesThreshold = 1 << 30 // 1 GiB
	}
	return c
}

// Monitor runs the statistics-health loop and fans out alerts to its sinks.
type Monitor struct {
	cfg     Config
	redis   RedisProbe
	census  InstanceCensus
	latency LatencyProbe
	log     *slog.Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	alertMu sync.Mutex
	active  map[string]*Alert // "Type|key" -> last alert, for dedup/in-place update

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor. Any of redis/census/latency may be nil, in which
// case the checks that depend on it are skipped — a nil probe means "not
// configured", not an error. If stats is non-nil, its drift alerts are
// wired in automatically.
func New(cfg Config, redis RedisProbe, census InstanceCensus, latency LatencyProbe, stats *cache.StatsCollector, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		redis:   redis,
		census:  census,
		latency: latency,
		log:     log,
		active:  make(map[string]*Alert),
		done:    make(chan struct{}),
	}
	if stats != nil {
		stats.OnAlert(m.onDriftAlert)
	}
	return m
}

// AddSink registers an alert destination. It takes sinksMu, so it is safe
// to call while a probe is delivering alerts.
func (m *Monitor) AddSink(s Sink) {
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinksMu.Unlock()
}

// Start runs the first probe synchronously — so health is never reported
// "unknown" immediately after startup — then launches the background loop.
func (m *Monitor) Start(ctx context.Context) {
	m.probe(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Close stops the background loop and waits for it to exit.
func (m *Monitor) Close() {
	close(m.done)
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	// (a) distributed-tier ping + (e) memory pressure.
	if m.redis != nil {
		lat, mem, err := m.redis.Ping(ctx)
		if err != nil {
			m.raise(Alert{
				Type: AlertRedisConnectionFailure, Severity: SeverityCritical,
				Message: fmt.Sprintf("distributed cache tier unreachable: %v", err),
				Context: map[string]string{"key": "redis"},
			})
		} else {
			m.clear(AlertRedisConnectionFailure, "redis")
			if lat > m.cfg.PingLatencyBound {
				m.raise(Alert{
					Type: AlertHighAggregationLatency, Severity: SeverityWarning,
					Message: fmt.Sprintf("distributed-tier ping latency %s exceeds %s bound", lat, m.cfg.PingLatencyBound),
					Context: map[string]string{"key": "ping"},
				})
			} else {
				m.clear(AlertHighAggregationLatency, "ping")
			}
			if mem > m.cfg.RedisMemoryBytesThreshold {
				m.raise(Alert{
					Type: AlertHighRedisMemory, Severity: SeverityWarning,
					Message: fmt.Sprintf("distributed cache tier memory %d bytes exceeds %d threshold", mem, m.cfg.RedisMemoryBytesThreshold),
					Context: map[string]string{"key": "redis"},
				})
			} else {
				m.clear(AlertHighRedisMemory, "redis")
			}
		}
	}

	// (b) active-instance census.
	if m.census != nil {
		heartbeats, err := m.census.Heartbeats(ctx)
		if err == nil {
			active := 0
			for id, age := range heartbeats {
				key := "instance:" + id
				if age > m.cfg.MaxInstanceMissingTime {
					m.raise(Alert{
						Type: AlertInstanceNotReporting, Severity: SeverityError,
						Message: fmt.Sprintf("instance %s has not reported in %s", id, age),
						Context: map[string]string{"key": key, "instance": id},
					})
				} else {
					active++
					m.clear(AlertInstanceNotReporting, key)
				}
			}
			if active < m.cfg.MinActiveInstances {
				m.raise(Alert{
					Type: AlertLowActiveInstances, Severity: SeverityCritical,
					Message: fmt.Sprintf("only %d active instance(s), below minimum %d", active, m.cfg.MinActiveInstances),
					Context: map[string]string{"key": "cluster"},
				})
			} else {
				m.clear(AlertLowActiveInstances, "cluster")
			}
		} else {
			m.log.WarnContext(ctx, "health_census_error", slog.String("error", err.Error()))
		}
	}

	// (d) performance probe.
	if m.latency != nil {
		if agg := m.latency.AggregationLatency(); agg > m.cfg.AggregationLatencyBound {
			m.raise(Alert{
				Type: AlertHighAggregationLatency, Severity: SeverityWarning,
				Message: fmt.Sprintf("aggregation latency %s exceeds %s bound", agg, m.cfg.AggregationLatencyBound),
				Context: map[string]string{"key": "aggregation"},
			})
		} else {
			m.clear(AlertHighAggregationLatency, "aggregation")
		}
		if rec := m.latency.RecordingLatencyP99(); rec > m.cfg.RecordingLatencyP99Bound {
			m.raise(Alert{
				Type: AlertHighRecordingLatency, Severity: SeverityWarning,
				Message: fmt.Sprintf("p99 recording latency %s exceeds %s bound", rec, m.cfg.RecordingLatencyP99Bound),
				Context: map[string]string{"key": "recording"},
			})
		} else {
			m.clear(AlertHighRecordingLatency, "recording")
		}
	}
}

// onDriftAlert bridges a cache.StatsCollector drift notification into the
// Monitor's own dedup/sink pipeline, so (c) per-region accuracy validation
// goes through the same alert surface as the other six checks.
func (m *Monitor) onDriftAlert(a cache.DriftAlert) {
	m.raise(Alert{
		Type: AlertStatisticsDrift, Severity: SeverityError,
		Message: fmt.Sprintf("region %s stats drift %.1f%% (sum=%d aggregated=%d)", a.Region, a.DriftRatio*100, a.SumPerInst, a.Aggregated),
		Context: map[string]string{"key": "region:" + a.Region, "region": a.Region},
	})
}

// raise records an alert, deduplicating by (type, context key): an
// identical repeated violation updates the stored alert in place without
// re-notifying sinks; a cleared and later recurring condition re-fires.
func (m *Monitor) raise(a Alert) {
	a.At = time.Now()
	key := string(a.Type) + "|" + a.Context["key"]

	m.alertMu.Lock()
	existing, had := m.active[key]
	m.active[key] = &a
	m.alertMu.Unlock()

	if had && existing.Message == a.Message {
		return
	}
	m.notify(a)
}

// clear drops a previously active alert once its condition resolves, so a
// later recurrence re-notifies instead of being suppressed by stale state.
func (m *Monitor) clear(t AlertType, key string) {
	k := string(t) + "|" + key
	m.alertMu.Lock()
	delete(m.active, k)
	m.alertMu.Unlock()
}

func (m *Monitor) notify(a Alert) {
	m.sinksMu.RLock()
	sinks := m.sinks
	m.sinksMu.RUnlock()

	for _, s := range sinks {
		if !s.Accepts(a.Severity) {
			continue
		}
		if err := s.Notify(context.Background(), a); err != nil {
			m.log.Warn("health_alert_sink_failed", slog.String("type", string(a.Type)), slog.String("error", err.Error()))
		}
	}
}

// ActiveAlerts returns a snapshot of all currently active (unresolved)
// alerts, for an admin status endpoint.
func (m *Monitor) ActiveAlerts() []Alert {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}
