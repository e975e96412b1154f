// Package pipeline implements the request pipeline: the single place every
// inbound operation flows through — sanitize, authenticate, authorize +
// reserve, route, translate, call, meter, bill, emit — as a transport-
// agnostic orchestrator driven by the catalog-backed router and virtual-key
// service instead of a static provider-name map.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/capability"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// chatCacheRegion is the cache.Manager region chat responses are stored
// under. Registered with its own TTL/tier policy at startup.
const chatCacheRegion = "ChatResponses"

// ChatRequest is the normalized inbound request for /v1/chat/completions
// and /v1/completions, already parsed by the transport layer.
type ChatRequest struct {
	TenantID        string
	BearerToken     string
	Model           string
	Messages        []providers.Message
	Stream          bool
	Temperature     float64
	MaxTokens       int
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// ChatResult is what the transport layer renders back to the caller. Cost
// is the real, committed amount for a non-streaming response; for a
// streaming response it is always zero, since the real cost is only known
// once the stream ends and is billed asynchronously from there.
type ChatResult struct {
	Response *providers.ProxyResponse
	Provider string
	Model    string
	Cost     decimal.Decimal
}

// Pipeline wires the virtual-key, routing, provider, billing, cache, and
// observability services into the nine-stage request flow: authenticate,
// authorize model access, check balance, route to a provider, dispatch,
// meter usage, bill, cache, and trace. VKeys, Router, Providers, and Costs
// are required; Ledger, Metrics, Tracer, Capability, Log, Cache, and
// Exclusions may be nil and never fail a request when they are.
type Pipeline struct {
	VKeys      *vkey.Service
	Router     *router.Router
	Providers  map[string]providers.Provider // provider ID -> live client, built at startup
	Costs      catalog.ModelCostStore
	Ledger     *billing.Ledger
	Metrics    *metrics.Registry
	Tracer     *tracing.Tracer
	Capability *capability.Service
	Log        *slog.Logger

	// Cache, if non-nil, is consulted for deterministic (temperature-zero,
	// non-streaming) chat completions before routing and populated after a
	// successful call. Exclusions lets specific models opt out.
	Cache      *cache.Manager
	Exclusions *cache.ExclusionList

	MaxFailoverAttempts int
}

// cacheable reports whether req is eligible for response caching: streaming
// and non-deterministic (temperature > 0) requests are never cached since
// replaying a cached response would silently change client-visible behavior.
func (p *Pipeline) cacheable(req ChatRequest) bool {
	if p.Cache == nil || req.Stream || req.Temperature > 0 {
		return false
	}
	return !p.Exclusions.Matches(req.Model)
}

// chatCacheKey derives a stable digest over the fields that affect a chat
// response so identical requests collide and differing ones don't.
func chatCacheKey(req ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		Tenant    string
		Model     string
		Messages  []providers.Message
		MaxTokens int
	}{req.TenantID, req.Model, req.Messages, req.MaxTokens})
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// estimateChatReservation prices the budget hold ReserveBudget needs before
// a request is ever dispatched: input_tokens*input_rate +
// output_tokens*output_rate, where output_tokens is max_tokens when the
// caller set one, or else the target model's remaining context window; when
// that window is unknown or no larger than the input, output_tokens equals
// the input token estimate. It also resolves the candidate the request would route to (the
// same lookup Router.Execute will redo once dispatching, cheap and
// side-effect-free) purely to learn its rates and context window, and
// rejects a max_tokens the model's context window can't fit.
func (p *Pipeline) estimateChatReservation(ctx context.Context, req ChatRequest) (decimal.Decimal, error) {
	if !req.MaxCostEstimate.IsZero() {
		return req.MaxCostEstimate, nil
	}

	candidate, err := p.Router.Resolve(ctx, req.TenantID, req.Model, catalog.Capabilities{Chat: true, Streaming: req.Stream}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	contextWindow := 0
	if p.Capability != nil {
		if cw, cerr := p.Capability.ContextWindow(ctx, candidate.Provider.ID, candidate.Mapping.ProviderModelID); cerr == nil {
			contextWindow = cw
		}
	}
	if req.MaxTokens > 0 && contextWindow > 0 && req.MaxTokens > contextWindow {
		return decimal.Zero, apierr.New(apierr.KindInvalidRequest, "max_tokens exceeds the target model's context window").WithParam("max_tokens")
	}

	inputTokens := estimateInputTokens(req.Messages)
	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		if contextWindow > inputTokens {
			outputTokens = contextWindow - inputTokens
		} else {
			outputTokens = inputTokens
		}
	}

	cost, found, err := p.Costs.CostForMapping(ctx, candidate.Mapping.ID)
	if err != nil || !found {
		return decimal.Zero, nil
	}
	return billing.Chat(*cost, billing.ChatUsage{InputTokens: inputTokens, OutputTokens: outputTokens}), nil
}

// ChatCompletion runs the full pipeline for a chat/completions request.
func (p *Pipeline) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "chat_completions"

	if p.Metrics != nil {
		p.Metrics.IncActiveOperations(route)
		defer p.Metrics.DecActiveOperations(route)
	}

	// 1. Sanitize — only the logged projection of the model name, never the
	// content sent upstream.
	logModel := sanitizeForLog(req.Model)

	var span *tracing.Span
	if p.Tracer != nil {
		ctx, span = p.Tracer.Start(ctx, route)
		span.SetTag("model", logModel)
	}
	endSpan := func(status catalog.TraceStatus, errorKind string) {
		if span != nil {
			span.End(status, errorKind)
		}
	}

	// 2. Authenticate.
	vk, err := p.VKeys.Authenticate(ctx, req.BearerToken)
	if err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return nil, err
	}
	if span != nil {
		span.SetVirtualKey(vk.ID)
	}

	// 3. Authorize + reserve.
	if err := p.VKeys.Authorize(vk, req.Model); err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return nil, err
	}
	estimate, err := p.estimateChatReservation(ctx, req)
	if err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return nil, err
	}
	handle, err := p.VKeys.ReserveBudget(ctx, vk.GroupID, estimate)
	if err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, DeadlineFor(OperationChat))

	cacheable := p.cacheable(req)
	var cacheKeyDigest string
	if cacheable {
		cacheKeyDigest = chatCacheKey(req)
		if raw, hit := p.Cache.Get(ctx, chatCacheRegion, cacheKeyDigest); hit {
			var cached ChatResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				cancel()
				p.VKeys.Release(handle)
				if p.Metrics != nil {
					p.Metrics.ObserveGatewayRequest(cached.Provider, route, "exact", time.Since(start))
				}
				endSpan(catalog.TraceOk, "")
				return &cached, nil
			}
		}
	}

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		WorkspaceID: req.TenantID,
		APIKeyID:    vk.ID,
		RequestID:   req.RequestID,
	}

	var (
		resp     *providers.ProxyResponse
		usedCost catalog.ModelCost
		haveCost bool
	)

	// 4/5/6. Route, translate, call — with circuit-breaker-aware failover.
	maxAttempts := p.MaxFailoverAttempts
	winner, _, execErr := p.Router.Execute(dctx, req.TenantID, req.Model, catalog.Capabilities{Chat: true, Streaming: req.Stream}, maxAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			translated := *proxyReq
			translated.Model = c.Mapping.ProviderModelID
			translated.APIKey = c.Key.APIKey

			r, err := prov.Request(ctx, &translated)
			if err != nil {
				return err
			}
			resp = r
			if cost, found, cerr := p.Costs.CostForMapping(ctx, c.Mapping.ID); cerr == nil && found {
				usedCost = *cost
				haveCost = true
			}
			return nil
		}, p.log())

	if execErr != nil {
		status := catalog.TraceError
		if dctx.Err() == context.Canceled {
			status = catalog.TraceCancelled
		}
		cancel()
		p.VKeys.Release(handle)
		p.recordFailure(ctx, req, start, logModel, route)
		endSpan(status, apierrKind(execErr))
		return nil, execErr
	}
	if span != nil {
		span.SetProvider(winner.Provider.ID)
	}

	// A streaming response hands billing off to wrapChatStream: the real
	// usage, and therefore the real cost, isn't known until the stream
	// itself ends, so stages 7-9 run there instead of here.
	if req.Stream && resp.Stream != nil {
		wrapped := p.wrapChatStream(dctx, cancel, resp.Stream, func(usage providers.Usage, haveUsage, cancelled bool) {
			p.settleChatStream(req, start, logModel, route, vk, handle, winner, usedCost, haveCost, usage, haveUsage, cancelled, endSpan)
		})
		streamed := *resp
		streamed.Stream = wrapped
		return &ChatResult{Response: &streamed, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: decimal.Zero}, nil
	}
	cancel()

	// 7. Meter.
	cost := decimal.Zero
	if haveCost {
		cost = billing.Chat(usedCost, billing.ChatUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens})
	}

	// 8. Bill.
	if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
		p.log().ErrorContext(ctx, "billing_commit_failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
	}

	// 9. Emit.
	dur := time.Since(start)
	p.log().InfoContext(ctx, "chat_completion_ok",
		slog.String("request_id", req.RequestID),
		slog.String("model", logModel),
		slog.String("provider", winner.Provider.ID),
		slog.Duration("elapsed", dur),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest(winner.Provider.ID, route, "bypass", dur)
		p.Metrics.RecordRequest(winner.Provider.ID, 200, dur.Milliseconds())
		p.Metrics.AddTokens(winner.Provider.ID, route, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		costFloat, _ := cost.Float64()
		p.Metrics.AddCost(route, costFloat)
	}
	if p.Ledger != nil {
		p.Ledger.Record(billing.UsageEvent{
			ID:           uuid.New(),
			TenantID:     req.TenantID,
			VirtualKeyID: vk.ID,
			GroupID:      vk.GroupID,
			Provider:     winner.Provider.ID,
			Model:        winner.Mapping.ProviderModelID,
			Operation:    route,
			InputTokens:  uint32(resp.Usage.InputTokens),
			OutputTokens: uint32(resp.Usage.OutputTokens),
			Cost:         cost,
			LatencyMs:    clampLatencyMs(dur),
			Status:       200,
			CreatedAt:    time.Now(),
		})
	}

	result := &ChatResult{Response: resp, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: cost}

	if cacheable {
		if raw, err := json.Marshal(result); err == nil {
			_ = p.Cache.Set(ctx, chatCacheRegion, cacheKeyDigest, raw, 0)
		}
	}

	endSpan(catalog.TraceOk, "")
	return result, nil
}

// wrapChatStream interposes a channel between the provider's raw stream and
// the transport layer: it forwards every chunk without Usage unchanged,
// swallows every chunk that carries Usage (providers send usage in chunks of
// their own) while remembering the last one seen, and calls settle
// exactly once — when the upstream channel closes (the stream ended
// normally) or dctx is done (the deadline elapsed or the client
// disconnected) — before closing the output channel and releasing dctx.
func (p *Pipeline) wrapChatStream(
	dctx context.Context,
	cancel context.CancelFunc,
	upstream <-chan providers.StreamChunk,
	settle func(usage providers.Usage, haveUsage, cancelled bool),
) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk, cap(upstream))

	go func() {
		defer cancel()
		defer close(out)

		var usage providers.Usage
		haveUsage := false

		for {
			select {
			case chunk, ok := <-upstream:
				if !ok {
					settle(usage, haveUsage, false)
					return
				}
				if chunk.Usage != nil {
					usage = *chunk.Usage
					haveUsage = true
					continue
				}
				select {
				case out <- chunk:
				case <-dctx.Done():
					settle(usage, haveUsage, true)
					return
				}
			case <-dctx.Done():
				settle(usage, haveUsage, true)
				return
			}
		}
	}()

	return out
}

// settleChatStream runs stages 7-9 for a streaming chat completion once its
// stream has ended, mirroring RealtimeSession.Close's deferred-commit
// pattern: bill the real usage when it arrived, or release the reservation
// untouched when the client disconnected before any usage was reported.
func (p *Pipeline) settleChatStream(
	req ChatRequest,
	start time.Time,
	logModel, route string,
	vk *catalog.VirtualKey,
	handle *vkey.ReservationHandle,
	winner *router.Candidate,
	usedCost catalog.ModelCost,
	haveCost bool,
	usage providers.Usage,
	haveUsage, cancelled bool,
	endSpan func(catalog.TraceStatus, string),
) {
	ctx := context.Background()

	cost := decimal.Zero
	if haveUsage && haveCost {
		cost = billing.Chat(usedCost, billing.ChatUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
		if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
			p.log().Error("billing_commit_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		}
	} else {
		p.VKeys.Release(handle)
	}

	dur := time.Since(start)
	status := catalog.TraceOk
	if cancelled {
		status = catalog.TraceCancelled
	}

	p.log().InfoContext(ctx, "chat_completion_stream_ok",
		slog.String("request_id", req.RequestID),
		slog.String("model", logModel),
		slog.String("provider", winner.Provider.ID),
		slog.Duration("elapsed", dur),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.Bool("cancelled", cancelled),
	)
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest(winner.Provider.ID, route, "bypass", dur)
		p.Metrics.RecordRequest(winner.Provider.ID, 200, dur.Milliseconds())
		if haveUsage {
			p.Metrics.AddTokens(winner.Provider.ID, route, usage.InputTokens, usage.OutputTokens, false)
		}
		costFloat, _ := cost.Float64()
		p.Metrics.AddCost(route, costFloat)
	}
	if p.Ledger != nil {
		p.Ledger.Record(billing.UsageEvent{
			ID:           uuid.New(),
			TenantID:     req.TenantID,
			VirtualKeyID: vk.ID,
			GroupID:      vk.GroupID,
			Provider:     winner.Provider.ID,
			Model:        winner.Mapping.ProviderModelID,
			Operation:    route,
			InputTokens:  uint32(usage.InputTokens),
			OutputTokens: uint32(usage.OutputTokens),
			Cost:         cost,
			LatencyMs:    clampLatencyMs(dur),
			Status:       200,
			CreatedAt:    time.Now(),
		})
	}
	endSpan(status, "")
}

// apierrKind extracts the apierr.Kind string for trace tagging, or
// "unknown" for errors that never went through the apierr classification.
func apierrKind(err error) string {
	if aerr, ok := err.(*apierr.Error); ok {
		return string(aerr.Kind)
	}
	return "unknown"
}

func (p *Pipeline) recordFailure(ctx context.Context, req ChatRequest, start time.Time, logModel, route string) {
	dur := time.Since(start)
	p.log().ErrorContext(ctx, "chat_completion_failed",
		slog.String("request_id", req.RequestID),
		slog.String("model", logModel),
		slog.Duration("elapsed", dur),
	)
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest("unknown", route, "bypass", dur)
	}
}

func clampLatencyMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
