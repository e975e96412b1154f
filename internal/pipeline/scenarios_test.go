package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/capability"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// These six scenarios walk an inbound request end to end through the
// pipeline, each one exercising a distinct cross-cutting property rather
// than a single function in isolation.

// Scenario 1: a well-formed chat request against a single healthy provider
// debits the group by exactly the provider-reported usage at the mapping's
// rate, and returns the provider's content untouched.
func TestScenario_ChatHappyPath(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.RegisterProvider(
		catalog.Provider{ID: "groq-1", Type: catalog.ProviderGroq, Enabled: true},
		catalog.ProviderKey{ID: "k_1", ProviderID: "groq-1", APIKey: "sk-groq", Primary: true, Enabled: true},
	)
	store.RegisterMapping(catalog.ModelMapping{
		ID: "gemma2-9b_T1", TenantID: "t1", Alias: "gemma2-9b_T1", ProviderID: "groq-1",
		ProviderModelID: "gemma2-9b-it", Capabilities: catalog.Capabilities{Chat: true}, Priority: 10, Enabled: true,
	}, &catalog.ModelCost{ID: "gemma2-9b_T1", InputCostPerM: decimal.NewFromFloat(0.20), OutputCostPerM: decimal.NewFromFloat(0.20)})
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g1", Balance: decimal.NewFromInt(100)})
	store.RegisterVirtualKey(catalog.VirtualKey{ID: "vk1", HashedToken: vkey.HashToken("sk-test"), GroupID: "g1"})

	vks := vkey.New(store, store)
	t.Cleanup(vks.Close)

	resp := &providers.ProxyResponse{ID: "resp-1", Model: "gemma2-9b-it", Content: "France has a long and storied history.",
		Usage: providers.Usage{InputTokens: 12, OutputTokens: 24}}
	p := &Pipeline{
		VKeys:     vks,
		Router:    router.New(store, store, nil),
		Providers: map[string]providers.Provider{"groq-1": &fakeProvider{name: "groq-1", resp: resp}},
		Costs:     store,
	}

	result, err := p.ChatCompletion(context.Background(), ChatRequest{
		TenantID: "t1", BearerToken: "sk-test", Model: "gemma2-9b_T1",
		Messages: []providers.Message{{Role: "user", Content: "What is the history of France?"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if result.Response.Content == "" {
		t.Fatal("expected non-empty content")
	}
	if result.Response.Usage.InputTokens < 7 {
		t.Fatalf("prompt_tokens = %d, want >= 7", result.Response.Usage.InputTokens)
	}
	if result.Response.Usage.OutputTokens < 1 {
		t.Fatalf("completion_tokens = %d, want >= 1", result.Response.Usage.OutputTokens)
	}

	want := decimal.NewFromInt(36).Div(decimal.NewFromInt(1_000_000)).Mul(decimal.NewFromFloat(0.20))
	group, _, _ := store.Group(context.Background(), "g1")
	spent := decimal.NewFromInt(100).Sub(group.Balance)
	if !spent.Equal(want) {
		t.Fatalf("balance decreased by %s, want %s", spent, want)
	}
}

// Scenario 2: a virtual key scoped to an allow-list pattern is denied access
// to a model outside it, with the exact error shape a caller relies on.
func TestScenario_AllowListDeniesDisallowedModel(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.RegisterProvider(
		catalog.Provider{ID: "anthropic-1", Type: catalog.ProviderAnthropic, Enabled: true},
		catalog.ProviderKey{ID: "k_2", ProviderID: "anthropic-1", APIKey: "sk-anthropic", Primary: true, Enabled: true},
	)
	store.RegisterMapping(catalog.ModelMapping{
		ID: "claude-3-opus_T1", TenantID: "t1", Alias: "claude-3-opus", ProviderID: "anthropic-1",
		ProviderModelID: "claude-3-opus-20240229", Capabilities: catalog.Capabilities{Chat: true}, Priority: 10, Enabled: true,
	}, &catalog.ModelCost{ID: "claude-3-opus_T1", InputCostPerM: decimal.NewFromFloat(15), OutputCostPerM: decimal.NewFromFloat(75)})
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g2", Balance: decimal.NewFromInt(100)})
	store.RegisterVirtualKey(catalog.VirtualKey{
		ID: "vk2", HashedToken: vkey.HashToken("sk-restricted"), GroupID: "g2",
		AllowedModels: []string{"gpt-*"},
	})

	vks := vkey.New(store, store)
	t.Cleanup(vks.Close)

	p := &Pipeline{
		VKeys:     vks,
		Router:    router.New(store, store, nil),
		Providers: map[string]providers.Provider{},
		Costs:     store,
	}

	_, err := p.ChatCompletion(context.Background(), ChatRequest{
		TenantID: "t1", BearerToken: "sk-restricted", Model: "claude-3-opus",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	aerr, ok := err.(*apierr.Error)
	if !ok || aerr.Kind != apierr.KindModelNotAllowed {
		t.Fatalf("err = %v, want KindModelNotAllowed", err)
	}
	// KindModelNotAllowed maps to 403 invalid_request_error/authorization_required
	// at the transport layer; see pkg/apierr's kindTable.
}

// Scenario 3: the primary provider rate-limits and the router fails over to
// the next mapping, which succeeds — the caller sees one clean 200, never
// the intermediate failure.
func TestScenario_RateLimitFailsOverToNextProvider(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.RegisterProvider(
		catalog.Provider{ID: "provider-a", Type: catalog.ProviderOpenAI, Enabled: true},
		catalog.ProviderKey{ID: "k_a", ProviderID: "provider-a", APIKey: "sk-a", Primary: true, Enabled: true},
	)
	store.RegisterProvider(
		catalog.Provider{ID: "provider-b", Type: catalog.ProviderGroq, Enabled: true},
		catalog.ProviderKey{ID: "k_b", ProviderID: "provider-b", APIKey: "sk-b", Primary: true, Enabled: true},
	)
	cost := &catalog.ModelCost{ID: "shared-cost", InputCostPerM: decimal.NewFromFloat(1), OutputCostPerM: decimal.NewFromFloat(1)}
	store.RegisterMapping(catalog.ModelMapping{
		ID: "m-a", TenantID: "t1", Alias: "router-test", ProviderID: "provider-a",
		ProviderModelID: "model-a", Capabilities: catalog.Capabilities{Chat: true}, Priority: 20, Enabled: true,
	}, cost)
	store.RegisterMapping(catalog.ModelMapping{
		ID: "m-b", TenantID: "t1", Alias: "router-test", ProviderID: "provider-b",
		ProviderModelID: "model-b", Capabilities: catalog.Capabilities{Chat: true}, Priority: 10, Enabled: true,
	}, cost)
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g3", Balance: decimal.NewFromInt(100)})
	store.RegisterVirtualKey(catalog.VirtualKey{ID: "vk3", HashedToken: vkey.HashToken("sk-test"), GroupID: "g3"})

	vks := vkey.New(store, store)
	t.Cleanup(vks.Close)

	resp := &providers.ProxyResponse{ID: "resp-b", Model: "model-b", Content: "served by B", Usage: providers.Usage{InputTokens: 5, OutputTokens: 5}}
	var providerAAttempts int32
	p := &Pipeline{
		VKeys:  vks,
		Router: router.New(store, store, router.NewCircuitBreaker()),
		Providers: map[string]providers.Provider{
			"provider-a": &rateLimitedProvider{calls: &providerAAttempts},
			"provider-b": &fakeProvider{name: "provider-b", resp: resp},
		},
		Costs:               store,
		MaxFailoverAttempts: 2,
	}

	result, err := p.ChatCompletion(context.Background(), ChatRequest{
		TenantID: "t1", BearerToken: "sk-test", Model: "router-test",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if result.Provider != "provider-b" {
		t.Fatalf("provider = %q, want provider-b (failover winner)", result.Provider)
	}
	if result.Response.Content != "served by B" {
		t.Fatalf("content = %q", result.Response.Content)
	}
	if atomic.LoadInt32(&providerAAttempts) != 1 {
		t.Fatalf("provider-a attempts = %d, want exactly 1", providerAAttempts)
	}
}

// rateLimitedProvider always fails with a retryable rate-limit error,
// counting how many times it was dialed.
type rateLimitedProvider struct {
	calls *int32
}

func (r *rateLimitedProvider) Name() string                               { return "provider-a" }
func (r *rateLimitedProvider) HealthCheck(ctx context.Context) error       { return nil }
func (r *rateLimitedProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	atomic.AddInt32(r.calls, 1)
	return nil, apierr.New(apierr.KindRateLimitExceeded, "rate limit exceeded").WithRetryAfter(2)
}

// Scenario 4: a client that disconnects mid-stream gets the provider call
// aborted and its reservation settled against only the usage actually
// reported before cancellation — never the full estimate, never zero if
// usage had already arrived.
func TestScenario_StreamCancellationSettlesPartialUsage(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.RegisterProvider(
		catalog.Provider{ID: "groq-1", Type: catalog.ProviderGroq, Enabled: true},
		catalog.ProviderKey{ID: "k_1", ProviderID: "groq-1", APIKey: "sk-groq", Primary: true, Enabled: true},
	)
	store.RegisterMapping(catalog.ModelMapping{
		ID: "stream-test", TenantID: "t1", Alias: "stream-test", ProviderID: "groq-1",
		ProviderModelID: "stream-model", Capabilities: catalog.Capabilities{Chat: true, Streaming: true}, Priority: 10, Enabled: true,
	}, &catalog.ModelCost{ID: "stream-test", InputCostPerM: decimal.NewFromFloat(1), OutputCostPerM: decimal.NewFromFloat(1)})
	store.RegisterGroup(catalog.VirtualKeyGroup{ID: "g4", Balance: decimal.NewFromInt(100)})
	store.RegisterVirtualKey(catalog.VirtualKey{ID: "vk4", HashedToken: vkey.HashToken("sk-test"), GroupID: "g4"})

	vks := vkey.New(store, store)
	t.Cleanup(vks.Close)

	tracer := tracing.New(nil, 16)
	prov := &cancelAwareStreamProvider{totalChunks: 10}
	p := &Pipeline{
		VKeys:     vks,
		Router:    router.New(store, store, nil),
		Providers: map[string]providers.Provider{"groq-1": prov},
		Costs:     store,
		Tracer:    tracer,
	}

	ctx, cancel := context.WithCancel(context.Background())
	result, err := p.ChatCompletion(ctx, ChatRequest{
		TenantID: "t1", BearerToken: "sk-test", Model: "stream-test", Stream: true,
		Messages: []providers.Message{{Role: "user", Content: "stream this"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	received := 0
	for range result.Response.Stream {
		received++
		if received == 3 {
			cancel()
		}
	}
	if received == 0 || received >= prov.totalChunks {
		t.Fatalf("received %d chunks, want somewhere between 1 and %d (cancelled mid-stream)", received, prov.totalChunks)
	}

	var group *catalog.VirtualKeyGroup
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		group, _, _ = store.Group(context.Background(), "g4")
		if !group.Balance.Equal(decimal.NewFromInt(100)) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	spent := decimal.NewFromInt(100).Sub(group.Balance)
	if spent.IsZero() {
		t.Fatal("expected a nonzero partial bill for usage reported before cancellation")
	}
	estimate := decimal.NewFromInt(int64(prov.totalChunks) + 20).Div(decimal.NewFromInt(1_000_000))
	if spent.GreaterThan(estimate) {
		t.Fatalf("billed %s, want no more than a full-response estimate %s", spent, estimate)
	}

	var trace catalog.RequestTrace
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		found := tracer.Search(tracing.Filter{Operation: "chat_completions"})
		if len(found) > 0 {
			trace = found[0]
			break
		}
		time.Sleep(time.Millisecond)
	}
	if trace.Status != catalog.TraceCancelled {
		t.Fatalf("trace status = %q, want %q", trace.Status, catalog.TraceCancelled)
	}
}

// cancelAwareStreamProvider emits totalChunks content chunks over an
// unbuffered channel, each one reporting running usage just like Gemini's
// UsageMetadata does, so cancellation mid-stream leaves the last-seen usage
// available to settle the reservation against.
type cancelAwareStreamProvider struct {
	totalChunks int
}

func (c *cancelAwareStreamProvider) Name() string                         { return "groq-1" }
func (c *cancelAwareStreamProvider) HealthCheck(ctx context.Context) error { return nil }
func (c *cancelAwareStreamProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for i := 1; i <= c.totalChunks; i++ {
			select {
			case ch <- (providers.StreamChunk{Content: "tok"}):
			case <-ctx.Done():
				return
			}
			select {
			case ch <- (providers.StreamChunk{Usage: &providers.Usage{InputTokens: 7, OutputTokens: i}}):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &providers.ProxyResponse{ID: "resp-stream", Model: "stream-model", Stream: ch}, nil
}

// Scenario 5: 50 concurrent lookups of the same cold capability key coalesce
// into a single load, with every caller getting the same result and the
// stats collector recording exactly one miss.
func TestScenario_CapabilityLookupCoalescesConcurrentLoads(t *testing.T) {
	mem := cache.NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	stats := cache.NewStatsCollector(nil, slog.Default())
	mgr := cache.NewManager(mem, nil, nil, stats, slog.Default())

	store := &loadCountingCapabilityStore{
		info: &capability.ModelInfo{Provider: "openai", Model: "gpt-4o", ContextWindow: 128_000, SupportsVision: true},
	}
	svc := capability.New(store, mgr)

	const n = 50
	var wg sync.WaitGroup
	results := make([]*capability.ModelInfo, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cw, err := svc.ContextWindow(context.Background(), "openai", "gpt-4o")
			errs[i] = err
			if err == nil {
				results[i] = &capability.ModelInfo{ContextWindow: cw}
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if results[i].ContextWindow != 128_000 {
			t.Fatalf("lookup %d: context window = %d, want 128000", i, results[i].ContextWindow)
		}
	}
	if loads := atomic.LoadInt32(&store.loads); loads != 1 {
		t.Fatalf("loads = %d, want exactly 1 (concurrent misses must coalesce onto one loader call)", loads)
	}

	// Every racing caller's pre-singleflight cache probe counts as a miss or
	// hit, so the exact split depends on scheduling — but every probe counts
	// toward one or the other, and the single coalesced load itself is the
	// property this scenario exists to check.
	snap := stats.Snapshot(capability.Region)
	if snap.Hits+snap.Misses < n {
		t.Fatalf("hits(%d)+misses(%d) = %d, want at least %d recorded probes", snap.Hits, snap.Misses, snap.Hits+snap.Misses, n)
	}
}

// loadCountingCapabilityStore serves one fixed ModelInfo, counting how many
// times it was actually asked to load it (as opposed to served from cache).
type loadCountingCapabilityStore struct {
	info  *capability.ModelInfo
	loads int32
}

func (s *loadCountingCapabilityStore) ModelInfo(ctx context.Context, provider, model string) (*capability.ModelInfo, bool, error) {
	atomic.AddInt32(&s.loads, 1)
	time.Sleep(5 * time.Millisecond) // widen the race window so concurrent callers overlap
	return s.info, true, nil
}

func (s *loadCountingCapabilityStore) DefaultModel(ctx context.Context, provider string, kind capability.Kind) (string, bool, error) {
	return "", false, nil
}

// Scenario 6: when a region's cross-instance aggregate diverges from the sum
// of per-instance counters by more than the drift threshold, exactly one
// alert fires — repeating the same poll again updates it in place rather
// than re-triggering.
func TestScenario_StatsDriftAlertFiresOnceAndUpdatesInPlace(t *testing.T) {
	agg := &fixedAggregator{sum: 100, aggregated: 150}
	collector := cache.NewStatsCollector(agg, slog.Default())

	var alertCount int32
	var lastAlert atomic.Value
	collector.OnAlert(func(a cache.DriftAlert) {
		atomic.AddInt32(&alertCount, 1)
		lastAlert.Store(a)
	})

	// Register the region by recording at least one counter observation;
	// StartAggregation only polls regions it has seen activity for.
	collector.RecordMiss("chat-responses", time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	collector.StartAggregation(ctx, 20*time.Millisecond)
	<-ctx.Done()
	collector.Stop()

	if got := atomic.LoadInt32(&alertCount); got != 1 {
		t.Fatalf("alerts fired = %d, want exactly 1 (repeated identical polls must not re-trigger)", got)
	}
	alert, ok := lastAlert.Load().(cache.DriftAlert)
	if !ok {
		t.Fatal("expected an alert to have been recorded")
	}
	if alert.Region != "chat-responses" {
		t.Fatalf("alert region = %q, want chat-responses", alert.Region)
	}
	if !decimal.NewFromFloat(alert.DriftRatio).Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("drift ratio = %v, want 0.5", alert.DriftRatio)
	}
}

// fixedAggregator always reports the same sum/aggregated pair, letting the
// test assert the dedup path deterministically.
type fixedAggregator struct {
	sum, aggregated int64
}

func (f *fixedAggregator) Aggregate(ctx context.Context, region string) (int64, int64, error) {
	return f.sum, f.aggregated, nil
}
