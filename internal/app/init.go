package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/capability"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/httpapi"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
)

// tracerCapacity bounds the in-memory ring buffer of finished RequestTraces.
const tracerCapacity = 10_000

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; the virtual-key rate
// limiter and cross-instance health census also need it but degrade
// gracefully (skipped, not fatal) when it isn't configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config.Validate() before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initCore builds the catalog store and every domain service layered on
// top of it: virtual-key auth/budgets, routing, billing, caching, model
// capability lookups, metrics, tracing, and the statistics-health monitor.
func (a *App) initCore(ctx context.Context) error {
	store, err := buildCatalogStore(a.cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	a.store = store

	a.vkeys = vkey.New(store, store)

	cb := router.NewCircuitBreakerWithConfig(router.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	a.rt = router.New(store, store, cb)

	ledger, err := a.buildLedger(ctx)
	if err != nil {
		return fmt.Errorf("billing: %w", err)
	}
	a.ledger = ledger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.tracer = tracing.New(otel.Tracer("llm-gateway"), tracerCapacity)

	if err := a.initCache(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	a.capService = capability.New(store, a.cacheMgr)

	a.healthMon = a.buildHealthMonitor()

	return nil
}

// initCache wires the two-tier cache manager: always an in-process
// MemoryCache, plus an optional Redis-backed distributed tier and
// cross-instance invalidation when CACHE_MODE=redis.
func (a *App) initCache(ctx context.Context) error {
	a.memCache = npCache.NewMemoryCache(ctx)
	a.stats = npCache.NewStatsCollector(nil, a.log) // no distributed aggregator configured yet; memory-only stats

	var distributed npCache.Cache
	if a.cfg.Cache.Mode == "redis" && a.rdb != nil {
		distributed = npCache.NewExactCacheFromClient(a.rdb)
	}

	a.cacheMgr = npCache.NewManager(a.memCache, distributed, a.rdb, a.stats, a.log)
	a.cacheMgr.RegisterRegion("ModelCapabilities", npCache.RegionConfig{
		TTL: a.cfg.Cache.TTL, UseMemory: true, UseDistributed: distributed != nil,
	})
	a.cacheMgr.RegisterRegion(chatCacheRegionName, npCache.RegionConfig{
		TTL: a.cfg.Cache.TTL, UseMemory: true, UseDistributed: distributed != nil,
	})

	exclusions, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}
	a.cacheExclusions = exclusions

	return nil
}

// chatCacheRegionName mirrors pipeline.chatCacheRegion; kept as a separate
// constant here since that identifier is unexported.
const chatCacheRegionName = "ChatResponses"

// buildLedger connects the usage ledger's durable ClickHouse sink when
// DATABASE_URL is configured. A connection failure is logged, not fatal —
// billing still runs, recording usage via slog only.
func (a *App) buildLedger(ctx context.Context) (*billing.Ledger, error) {
	var inserter billing.Inserter
	if a.cfg.DatabaseURL != "" {
		conn, err := connectClickHouse(a.cfg.DatabaseURL)
		if err != nil {
			a.log.Warn("clickhouse connect failed, usage ledger running slog-only", slog.String("error", err.Error()))
		} else {
			inserter = conn
		}
	}
	return billing.NewLedger(ctx, a.log, inserter)
}

// buildHealthMonitor wires the statistics-health background loop. The
// Redis-backed probes are only available once a Redis connection exists;
// without one the monitor still runs, skipping the checks that need it.
func (a *App) buildHealthMonitor() *health.Monitor {
	var (
		redisProbe health.RedisProbe
		census     health.InstanceCensus
	)
	if a.rdb != nil {
		adapter := &redisHealthAdapter{rdb: a.rdb}
		redisProbe = adapter
		census = adapter
	}

	mon := health.New(health.Config{}, redisProbe, census, a.stats, a.stats, a.log)

	if a.cfg.Alerting.WebhookURL != "" {
		mon.AddSink(health.NewWebhookSink(a.cfg.Alerting.WebhookURL))
	}
	if a.cfg.Alerting.SlackWebhookURL != "" {
		mon.AddSink(health.NewSlackSink(a.cfg.Alerting.SlackWebhookURL))
	}
	return mon
}

// initTransport assembles the request pipeline and its HTTP surface, the
// last stage since every dependency it needs was built in initCore.
func (a *App) initTransport(_ context.Context) error {
	pipeline.SetDeadlines(operationDeadlines(a.cfg.OperationTimeouts))

	// CACHE_MODE=none turns the response cache off; capability lookups
	// still go through the cache manager.
	respCache := a.cacheMgr
	if a.cfg.Cache.Mode == "none" {
		respCache = nil
	}

	p := &pipeline.Pipeline{
		VKeys:               a.vkeys,
		Router:              a.rt,
		Providers:           a.provs,
		Costs:               a.store,
		Ledger:              a.ledger,
		Metrics:             a.prom,
		Tracer:              a.tracer,
		Capability:          a.capService,
		Log:                 a.log,
		Cache:               respCache,
		Exclusions:          a.cacheExclusions,
		MaxFailoverAttempts: a.cfg.Failover.MaxRetries,
	}

	var limiter httpapi.RateLimiter
	if a.rdb != nil {
		limiter = ratelimit.NewVirtualKeyLimiter(a.rdb, a.store)
	}

	a.httpSrv = httpapi.New(p, httpapi.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		Health:       a.healthMon,
		RateLimiter:  limiter,
		Capabilities: a.capService,
		CORSOrigins:  a.cfg.CORSOrigins,
		BaseCtx:      a.baseCtx,
		AdminAPIKey:  a.cfg.AdminAPIKey,
	})

	return nil
}

// operationDeadlines converts the config's string-keyed timeout overrides
// into pipeline.OperationType keys. A name pipeline doesn't recognize is
// passed through unchanged and simply never looked up, rather than failing
// startup over a typo.
func operationDeadlines(in map[string]time.Duration) map[pipeline.OperationType]time.Duration {
	out := make(map[pipeline.OperationType]time.Duration, len(in))
	for name, d := range in {
		out[pipeline.OperationType(name)] = d
	}
	return out
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
