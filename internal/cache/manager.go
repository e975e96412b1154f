package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const invalidationChannel = "llm-gateway:cache:invalidate"

type invalidationMsg struct {
	Region string `json:"region"`
	Key    string `json:"key"`
}

// Manager is the cache manager: a single read-through/write-through
// store addressable by (region, key), backed by an in-process tier
// (always present) and an optional distributed tier. It generalizes the
// flat Cache interface (memory.go / exact.go) with per-region policy,
// coalesced loads, and cross-instance invalidation.
type Manager struct {
	memory       *MemoryCache
	distributed  Cache        // nil => memory-only degraded mode
	redisForPubSub *redis.Client // nil => no cross-instance invalidation

	mu      sync.RWMutex
	regions map[string]RegionConfig

	loaders loaderGroup
	stats   *StatsCollector
	log     *slog.Logger

	degraded bool
}

// NewManager builds a Manager. distributed and redisForPubSub may both be
// nil for single-instance / degraded-mode operation; memory must not be
// nil.
func NewManager(memory *MemoryCache, distributed Cache, redisForPubSub *redis.Client, stats *StatsCollector, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		memory:         memory,
		distributed:    distributed,
		redisForPubSub: redisForPubSub,
		regions:        make(map[string]RegionConfig),
		stats:          stats,
		log:            log,
		degraded:       distributed == nil,
	}
	if redisForPubSub != nil {
		go m.subscribeInvalidations(context.Background())
	}
	return m
}

// RegisterRegion installs a region's policy; safe to call repeatedly
// (acts as UpdateRegionConfig). In-flight entries keep their existing
// expiries — only future Set calls observe the new policy.
func (m *Manager) RegisterRegion(name string, cfg RegionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[name] = cfg
}

// UpdateRegionConfig atomically swaps a region's policy.
func (m *Manager) UpdateRegionConfig(name string, cfg RegionConfig) {
	m.RegisterRegion(name, cfg)
}

func (m *Manager) configFor(region string) RegionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.regions[region]; ok {
		return cfg
	}
	return RegionConfig{TTL: time.Minute, UseMemory: true, EvictionPolicy: EvictionLRU}
}

// Degraded reports whether the distributed tier is unavailable. No
// request ever fails because of it; this is surfaced through health only.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

func (m *Manager) setDegraded(v bool) {
	m.mu.Lock()
	m.degraded = v
	m.mu.Unlock()
}

func cacheKey(region, key string) string { return region + ":" + key }

// Get tries memory first; on miss, consults the distributed tier if the
// region allows it, promoting a distributed hit back into memory.
func (m *Manager) Get(ctx context.Context, region, key string) ([]byte, bool) {
	start := time.Now()
	cfg := m.configFor(region)
	ck := cacheKey(region, key)

	if cfg.UseMemory {
		if v, ok := m.memory.Get(ctx, ck); ok {
			m.recordHit(region, start)
			return v, true
		}
	}

	if cfg.UseDistributed && m.distributed != nil {
		v, ok := m.distributed.Get(ctx, ck)
		if ok {
			m.setDegraded(false)
			if cfg.UseMemory {
				_ = m.memory.Set(ctx, ck, v, cfg.clampTTL(cfg.TTL))
			}
			m.recordHit(region, start)
			return v, true
		}
	}

	m.recordMiss(region, start)
	return nil, false
}

// Set writes to memory and/or the distributed tier per region policy.
// ttl of zero uses the region default, clamped by the region max.
func (m *Manager) Set(ctx context.Context, region, key string, value []byte, ttl time.Duration) error {
	cfg := m.configFor(region)
	ttl = cfg.clampTTL(ttl)
	ck := cacheKey(region, key)

	if cfg.UseMemory {
		_ = m.memory.Set(ctx, ck, value, ttl)
	}
	if cfg.UseDistributed && m.distributed != nil {
		if err := m.distributed.Set(ctx, ck, value, ttl); err != nil {
			m.log.WarnContext(ctx, "cache_set_distributed_error", slog.String("region", region), slog.String("error", err.Error()))
			m.setDegraded(true)
		} else {
			m.setDegraded(false)
		}
	}
	return nil
}

// Invalidate removes the entry locally and publishes an invalidation
// event so peers drop their local copy. Delivery is at-least-once;
// duplicate invalidations are idempotent (a second delete is a no-op).
func (m *Manager) Invalidate(ctx context.Context, region, key string) error {
	ck := cacheKey(region, key)
	_ = m.memory.Delete(ctx, ck)
	if m.distributed != nil {
		_ = m.distributed.Delete(ctx, ck)
	}
	m.publishInvalidation(ctx, region, key)
	return nil
}

func (m *Manager) publishInvalidation(ctx context.Context, region, key string) {
	if m.redisForPubSub == nil {
		return
	}
	payload, err := json.Marshal(invalidationMsg{Region: region, Key: key})
	if err != nil {
		return
	}
	if err := m.redisForPubSub.Publish(ctx, invalidationChannel, payload).Err(); err != nil {
		m.log.WarnContext(ctx, "cache_invalidation_publish_error", slog.String("error", err.Error()))
	}
}

func (m *Manager) subscribeInvalidations(ctx context.Context) {
	sub := m.redisForPubSub.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		var inv invalidationMsg
		if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
			continue
		}
		_ = m.memory.Delete(ctx, cacheKey(inv.Region, inv.Key))
	}
}

func (m *Manager) recordHit(region string, start time.Time) {
	if m.stats != nil {
		m.stats.RecordHit(region, time.Since(start))
	}
}

func (m *Manager) recordMiss(region string, start time.Time) {
	if m.stats != nil {
		m.stats.RecordMiss(region, time.Since(start))
	}
}

// GetOrLoad implements the Absent -> Loading -> Present cache entry
// state machine: concurrent misses on the same (region, key) coalesce
// onto one loader call; late waiters observe the loader's result or
// error. A typed convenience over Manager's byte-oriented Get/Set, used
// by read-mostly metadata caches like the capability service.
func GetOrLoad[T any](ctx context.Context, m *Manager, region, key string, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if raw, ok := m.Get(ctx, region, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		// Type/shape mismatch on read: treated as a miss.
	}

	result, err, _ := m.loaders.do(cacheKey(region, key), func() (any, error) {
		// Re-check after winning the singleflight race: another goroutine
		// may have populated the cache while we queued behind the loader.
		if raw, ok := m.Get(ctx, region, key); ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
		}
		v, err := loader(ctx)
		if err != nil {
			return zero, err
		}
		if encoded, err := json.Marshal(v); err == nil {
			_ = m.Set(ctx, region, key, encoded, 0)
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("cache: GetOrLoad type assertion failed for region %q key %q", region, key)
	}
	return v, nil
}
