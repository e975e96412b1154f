package pipeline

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/tracing"
	"github.com/nulpointcorp/llm-gateway/internal/vkey"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// fallbackReservationCeiling is the reservation estimate used by operations
// whose cost can't be sized ahead of dispatch (embeddings, image
// generation, transcription, text-to-speech, realtime negotiation) when the
// caller supplies none. It is intentionally generous — ReserveBudget only
// needs an upper bound, and Commit always settles against the
// provider-reported actual cost, never the estimate. Chat completions size
// their own reservation from the request instead; see
// estimateChatReservation.
var fallbackReservationCeiling = decimal.NewFromFloat(1.00)

// maxSpeechTextLength is the longest input Speak accepts, matching the
// limit the text-to-speech providers themselves enforce.
const maxSpeechTextLength = 10_000

// prologue runs stages 1-3 (sanitize, authenticate, authorize+reserve)
// shared by every operation type, starting a trace span for the caller to
// close via the returned endSpan closure.
func (p *Pipeline) prologue(ctx context.Context, bearerToken, model, route string, estimate decimal.Decimal) (
	context.Context, *catalog.VirtualKey, *vkey.ReservationHandle, *tracing.Span, func(catalog.TraceStatus, string), error,
) {
	logModel := sanitizeForLog(model)

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

	vk, err := p.VKeys.Authenticate(ctx, bearerToken)
	if err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return ctx, nil, nil, span, endSpan, err
	}
	if span != nil {
		span.SetVirtualKey(vk.ID)
	}

	if err := p.VKeys.Authorize(vk, model); err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return ctx, nil, nil, span, endSpan, err
	}

	if estimate.IsZero() {
		estimate = fallbackReservationCeiling
	}
	handle, err := p.VKeys.ReserveBudget(ctx, vk.GroupID, estimate)
	if err != nil {
		endSpan(catalog.TraceError, apierrKind(err))
		return ctx, nil, nil, span, endSpan, err
	}

	return ctx, vk, handle, span, endSpan, nil
}

// emit logs, meters, and ledgers a successfully billed operation. It never
// returns an error: logging/metrics/ledger sinks are all best-effort.
func (p *Pipeline) emit(ctx context.Context, req emitParams) {
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest(req.provider, req.route, "bypass", req.duration)
		p.Metrics.RecordRequest(req.provider, 200, req.duration.Milliseconds())
		if req.inputTokens > 0 || req.outputTokens > 0 {
			p.Metrics.AddTokens(req.provider, req.route, req.inputTokens, req.outputTokens, false)
		}
		costFloat, _ := req.cost.Float64()
		p.Metrics.AddCost(req.route, costFloat)
	}
	if p.Ledger != nil {
		p.Ledger.Record(billing.UsageEvent{
			ID:           uuid.New(),
			TenantID:     req.tenantID,
			VirtualKeyID: req.vkID,
			GroupID:      req.groupID,
			Provider:     req.provider,
			Model:        req.model,
			Operation:    req.route,
			InputTokens:  uint32(req.inputTokens),
			OutputTokens: uint32(req.outputTokens),
			Cost:         req.cost,
			LatencyMs:    clampLatencyMs(req.duration),
			Status:       200,
			CreatedAt:    time.Now(),
		})
	}
	p.log().InfoContext(ctx, req.route+"_ok",
		slog.String("request_id", req.requestID),
		slog.String("provider", req.provider),
		slog.Duration("elapsed", req.duration),
	)
}

type emitParams struct {
	route, tenantID, vkID, groupID, provider, model, requestID string
	inputTokens, outputTokens                                  int
	cost                                                        decimal.Decimal
	duration                                                    time.Duration
}

func (p *Pipeline) recordOpFailure(ctx context.Context, route, requestID string, dur time.Duration) {
	p.log().ErrorContext(ctx, route+"_failed",
		slog.String("request_id", requestID),
		slog.Duration("elapsed", dur),
	)
	if p.Metrics != nil {
		p.Metrics.ObserveGatewayRequest("unknown", route, "bypass", dur)
	}
}

// ─── Embeddings ─────────────────────────────────────────────────────────────

// EmbeddingRequest is the normalized inbound request for /v1/embeddings.
type EmbeddingRequest struct {
	TenantID        string
	BearerToken     string
	Model           string
	Input           []string
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// EmbeddingResult is what the transport layer renders back to the caller.
type EmbeddingResult struct {
	Response *providers.EmbeddingResponse
	Provider string
	Model    string
	Cost     decimal.Decimal
}

// Embeddings runs the full pipeline for an embeddings request, following
// the same authenticate/authorize/route/meter/bill flow as ChatCompletion.
func (p *Pipeline) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "embeddings"
	if p.Metrics != nil {
		p.Metrics.IncActiveOperations(route)
		defer p.Metrics.DecActiveOperations(route)
	}

	ctx, vk, handle, span, endSpan, err := p.prologue(ctx, req.BearerToken, req.Model, route, req.MaxCostEstimate)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, DeadlineFor(OperationEmbeddings))
	defer cancel()

	var (
		resp     *providers.EmbeddingResponse
		usedCost catalog.ModelCost
		haveCost bool
	)
	winner, _, execErr := p.Router.Execute(dctx, req.TenantID, req.Model, catalog.Capabilities{Embeddings: true}, p.MaxFailoverAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			embedder, ok := prov.(providers.EmbeddingProvider)
			if !ok {
				return apierr.Newf(apierr.KindNotImplemented, "provider %q does not support embeddings", c.Provider.ID)
			}
			r, err := embedder.Embed(ctx, &providers.EmbeddingRequest{
				Input:       req.Input,
				Model:       c.Mapping.ProviderModelID,
				WorkspaceID: req.TenantID,
				APIKey:      c.Key.APIKey,
				APIKeyID:    vk.ID,
				RequestID:   req.RequestID,
			})
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
		p.VKeys.Release(handle)
		p.recordOpFailure(ctx, route, req.RequestID, time.Since(start))
		endSpanForErr(endSpan, dctx, execErr)
		return nil, execErr
	}
	if span != nil {
		span.SetProvider(winner.Provider.ID)
	}

	cost := decimal.Zero
	if haveCost {
		cost = billing.Chat(usedCost, billing.ChatUsage{InputTokens: resp.Usage.InputTokens})
	}
	if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
		p.log().ErrorContext(ctx, "billing_commit_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}

	p.emit(ctx, emitParams{
		route: route, tenantID: req.TenantID, vkID: vk.ID, groupID: vk.GroupID,
		provider: winner.Provider.ID, model: winner.Mapping.ProviderModelID, requestID: req.RequestID,
		inputTokens: resp.Usage.InputTokens, cost: cost, duration: time.Since(start),
	})
	endSpan(catalog.TraceOk, "")
	return &EmbeddingResult{Response: resp, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: cost}, nil
}

// ─── Image generation ───────────────────────────────────────────────────────

// ImageRequest is the normalized inbound request for /v1/images/generations.
type ImageRequest struct {
	TenantID        string
	BearerToken     string
	Model           string
	Prompt          string
	Size            string
	Count           int
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// ImageResult is what the transport layer renders back to the caller.
type ImageResult struct {
	Response *providers.ImageResponse
	Provider string
	Model    string
	Cost     decimal.Decimal
}

// GenerateImage runs the full pipeline for an image-generation request.
func (p *Pipeline) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "image_generation"
	if p.Metrics != nil {
		p.Metrics.IncActiveOperations(route)
		defer p.Metrics.DecActiveOperations(route)
	}

	ctx, vk, handle, span, endSpan, err := p.prologue(ctx, req.BearerToken, req.Model, route, req.MaxCostEstimate)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, DeadlineFor(OperationImageGeneration))
	defer cancel()

	count := req.Count
	if count <= 0 {
		count = 1
	}

	var (
		resp     *providers.ImageResponse
		usedCost catalog.ModelCost
		haveCost bool
	)
	winner, _, execErr := p.Router.Execute(dctx, req.TenantID, req.Model, catalog.Capabilities{ImageGeneration: true}, p.MaxFailoverAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			gen, ok := prov.(providers.ImageGenerator)
			if !ok {
				return apierr.Newf(apierr.KindNotImplemented, "provider %q does not support image generation", c.Provider.ID)
			}
			r, err := gen.GenerateImage(ctx, &providers.ImageRequest{
				Model:       c.Mapping.ProviderModelID,
				Prompt:      req.Prompt,
				Size:        req.Size,
				Count:       count,
				WorkspaceID: req.TenantID,
				APIKey:      c.Key.APIKey,
				APIKeyID:    vk.ID,
				RequestID:   req.RequestID,
			})
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
		p.VKeys.Release(handle)
		p.recordOpFailure(ctx, route, req.RequestID, time.Since(start))
		endSpanForErr(endSpan, dctx, execErr)
		return nil, execErr
	}
	if span != nil {
		span.SetProvider(winner.Provider.ID)
	}

	cost := decimal.Zero
	if haveCost {
		cost = billing.ImageGeneration(usedCost, billing.ImageUsage{Count: len(resp.Data)})
	}
	if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
		p.log().ErrorContext(ctx, "billing_commit_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}

	p.emit(ctx, emitParams{
		route: route, tenantID: req.TenantID, vkID: vk.ID, groupID: vk.GroupID,
		provider: winner.Provider.ID, model: winner.Mapping.ProviderModelID, requestID: req.RequestID,
		cost: cost, duration: time.Since(start),
	})
	endSpan(catalog.TraceOk, "")
	return &ImageResult{Response: resp, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: cost}, nil
}

// ─── Audio transcription ────────────────────────────────────────────────────

// TranscriptionRequest is the normalized inbound request for
// /v1/audio/transcriptions.
type TranscriptionRequest struct {
	TenantID    string
	BearerToken string
	Model       string
	Audio       []byte
	// AudioUrl names a remotely hosted file instead of uploaded bytes;
	// mutually exclusive with Audio, and a request naming both fails here.
	// Nothing fetches the URL and it is not passed to the provider client,
	// which receives only Audio.
	AudioUrl        string
	Filename        string
	Language        string
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// TranscriptionResult is what the transport layer renders back to the caller.
type TranscriptionResult struct {
	Response *providers.AudioTranscriptionResponse
	Provider string
	Model    string
	Cost     decimal.Decimal
}

// Transcribe runs the full pipeline for a speech-to-text request.
func (p *Pipeline) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "transcription"
	if p.Metrics != nil {
		p.Metrics.IncActiveOperations(route)
		defer p.Metrics.DecActiveOperations(route)
	}

	if len(req.Audio) == 0 && req.AudioUrl == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "AudioData cannot be empty").WithParam("file")
	}
	if len(req.Audio) > 0 && req.AudioUrl != "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "only one of AudioData and AudioUrl may be set").WithParam("file")
	}

	ctx, vk, handle, span, endSpan, err := p.prologue(ctx, req.BearerToken, req.Model, route, req.MaxCostEstimate)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, DeadlineFor(OperationTranscription))
	defer cancel()

	var (
		resp     *providers.AudioTranscriptionResponse
		usedCost catalog.ModelCost
		haveCost bool
	)
	winner, _, execErr := p.Router.Execute(dctx, req.TenantID, req.Model, catalog.Capabilities{Transcription: true}, p.MaxFailoverAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			transcriber, ok := prov.(providers.AudioTranscriber)
			if !ok {
				return apierr.Newf(apierr.KindNotImplemented, "provider %q does not support transcription", c.Provider.ID)
			}
			r, err := transcriber.Transcribe(ctx, &providers.AudioTranscriptionRequest{
				Model:       c.Mapping.ProviderModelID,
				Audio:       req.Audio,
				Filename:    req.Filename,
				Language:    req.Language,
				WorkspaceID: req.TenantID,
				APIKey:      c.Key.APIKey,
				APIKeyID:    vk.ID,
				RequestID:   req.RequestID,
			})
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
		p.VKeys.Release(handle)
		p.recordOpFailure(ctx, route, req.RequestID, time.Since(start))
		endSpanForErr(endSpan, dctx, execErr)
		return nil, execErr
	}
	if span != nil {
		span.SetProvider(winner.Provider.ID)
	}

	cost := decimal.Zero
	if haveCost {
		cost = billing.Transcription(usedCost, billing.AudioUsage{Seconds: resp.DurationSecs, Bytes: int64(len(req.Audio))})
	}
	if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
		p.log().ErrorContext(ctx, "billing_commit_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}

	if p.Metrics != nil && resp.HasConfidence {
		p.Metrics.ObserveConfidence(winner.Provider.ID, route, resp.Confidence)
	}

	p.emit(ctx, emitParams{
		route: route, tenantID: req.TenantID, vkID: vk.ID, groupID: vk.GroupID,
		provider: winner.Provider.ID, model: winner.Mapping.ProviderModelID, requestID: req.RequestID,
		inputTokens: resp.Usage.InputTokens, outputTokens: resp.Usage.OutputTokens, cost: cost, duration: time.Since(start),
	})
	endSpan(catalog.TraceOk, "")
	return &TranscriptionResult{Response: resp, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: cost}, nil
}

// ─── Text to speech ─────────────────────────────────────────────────────────

// SpeechRequest is the normalized inbound request for /v1/audio/speech.
type SpeechRequest struct {
	TenantID        string
	BearerToken     string
	Model           string
	Text            string
	Voice           string
	Format          string
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// SpeechResult is what the transport layer renders back to the caller.
type SpeechResult struct {
	Response *providers.TextToSpeechResponse
	Provider string
	Model    string
	Cost     decimal.Decimal
}

// Speak runs the full pipeline for a text-to-speech request.
func (p *Pipeline) Speak(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "text_to_speech"
	if p.Metrics != nil {
		p.Metrics.IncActiveOperations(route)
		defer p.Metrics.DecActiveOperations(route)
	}

	if utf8.RuneCountInString(req.Text) > maxSpeechTextLength {
		return nil, apierr.Newf(apierr.KindInvalidRequest, "input text exceeds the %d character limit", maxSpeechTextLength).WithParam("input")
	}

	ctx, vk, handle, span, endSpan, err := p.prologue(ctx, req.BearerToken, req.Model, route, req.MaxCostEstimate)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, DeadlineFor(OperationTextToSpeech))
	defer cancel()

	var (
		resp     *providers.TextToSpeechResponse
		usedCost catalog.ModelCost
		haveCost bool
	)
	winner, _, execErr := p.Router.Execute(dctx, req.TenantID, req.Model, catalog.Capabilities{TextToSpeech: true}, p.MaxFailoverAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			speaker, ok := prov.(providers.TextToSpeechProvider)
			if !ok {
				return apierr.Newf(apierr.KindNotImplemented, "provider %q does not support text-to-speech", c.Provider.ID)
			}
			r, err := speaker.Speak(ctx, &providers.TextToSpeechRequest{
				Model:       c.Mapping.ProviderModelID,
				Text:        req.Text,
				Voice:       req.Voice,
				Format:      req.Format,
				WorkspaceID: req.TenantID,
				APIKey:      c.Key.APIKey,
				APIKeyID:    vk.ID,
				RequestID:   req.RequestID,
			})
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
		p.VKeys.Release(handle)
		p.recordOpFailure(ctx, route, req.RequestID, time.Since(start))
		endSpanForErr(endSpan, dctx, execErr)
		return nil, execErr
	}
	if span != nil {
		span.SetProvider(winner.Provider.ID)
	}

	cost := decimal.Zero
	if haveCost {
		cost = billing.TextToSpeech(usedCost, billing.TextUsage{Characters: len(req.Text)})
	}
	if err := p.VKeys.Commit(ctx, handle, cost); err != nil {
		p.log().ErrorContext(ctx, "billing_commit_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
	}

	p.emit(ctx, emitParams{
		route: route, tenantID: req.TenantID, vkID: vk.ID, groupID: vk.GroupID,
		provider: winner.Provider.ID, model: winner.Mapping.ProviderModelID, requestID: req.RequestID,
		cost: cost, duration: time.Since(start),
	})
	endSpan(catalog.TraceOk, "")
	return &SpeechResult{Response: resp, Provider: winner.Provider.ID, Model: winner.Mapping.ProviderModelID, Cost: cost}, nil
}

// ─── Realtime duplex audio ──────────────────────────────────────────────────

// RealtimeRequest negotiates a new duplex audio session.
type RealtimeRequest struct {
	TenantID        string
	BearerToken     string
	Model           string
	Voice           string
	RequestID       string
	MaxCostEstimate decimal.Decimal
}

// RealtimeSession wraps a live provider session with the billing/metering
// state that must survive across its whole lifetime, so the transport layer
// can pump audio for as long as the caller's socket stays open and settle
// the bill only once, on Close.
type RealtimeSession struct {
	providers.RealtimeSession
	pipeline  *Pipeline
	vk        *catalog.VirtualKey
	handle    *vkey.ReservationHandle
	span      *tracing.Span
	provider  string
	model     string
	requestID string
	tenantID  string
	opened    time.Time
	cost      catalog.ModelCost
	haveCost  bool
}

// OpenRealtimeSession runs stages 1-6 of the pipeline for a realtime audio
// request and returns a session the caller drives directly; billing and
// trace completion happen in Close, not here, since a realtime session's
// cost is only known once it ends.
func (p *Pipeline) OpenRealtimeSession(ctx context.Context, req RealtimeRequest) (*RealtimeSession, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	route := "realtime"

	ctx, vk, handle, span, endSpan, err := p.prologue(ctx, req.BearerToken, req.Model, route, req.MaxCostEstimate)
	if err != nil {
		return nil, err
	}

	// Only the negotiation step is deadline-bound; the returned session
	// itself outlives this call for as long as the caller keeps it open.
	negotiateCtx, cancelNegotiate := context.WithTimeout(ctx, DeadlineFor(OperationChat))

	var (
		session     providers.RealtimeSession
		usedCost    catalog.ModelCost
		haveCost    bool
		winnerID    string
		winnerModel string
	)
	winner, _, execErr := p.Router.Execute(negotiateCtx, req.TenantID, req.Model, catalog.Capabilities{Realtime: true}, p.MaxFailoverAttempts,
		func(ctx context.Context, c router.Candidate) error {
			prov, ok := p.Providers[c.Provider.ID]
			if !ok {
				return apierr.Newf(apierr.KindConfigurationError, "no live client configured for provider %q", c.Provider.ID)
			}
			rt, ok := prov.(providers.RealtimeProvider)
			if !ok {
				return apierr.Newf(apierr.KindNotImplemented, "provider %q does not support realtime audio", c.Provider.ID)
			}
			s, err := rt.OpenRealtimeSession(ctx, &providers.RealtimeSessionConfig{
				Model:       c.Mapping.ProviderModelID,
				Voice:       req.Voice,
				WorkspaceID: req.TenantID,
				APIKey:      c.Key.APIKey,
				APIKeyID:    vk.ID,
				RequestID:   req.RequestID,
			})
			if err != nil {
				return err
			}
			session = s
			if cost, found, cerr := p.Costs.CostForMapping(ctx, c.Mapping.ID); cerr == nil && found {
				usedCost = *cost
				haveCost = true
			}
			return nil
		}, p.log())
	cancelNegotiate()

	if execErr != nil {
		p.VKeys.Release(handle)
		endSpanForErr(endSpan, negotiateCtx, execErr)
		return nil, execErr
	}
	winnerID = winner.Provider.ID
	winnerModel = winner.Mapping.ProviderModelID
	if span != nil {
		span.SetProvider(winnerID)
	}

	return &RealtimeSession{
		RealtimeSession: session,
		pipeline:        p,
		vk:              vk,
		handle:          handle,
		span:            span,
		provider:        winnerID,
		model:           winnerModel,
		requestID:       req.RequestID,
		tenantID:        req.TenantID,
		opened:          time.Now(),
		cost:            usedCost,
		haveCost:        haveCost,
	}, nil
}

// Close ends the underlying provider session, computes the final cost from
// elapsed wall-clock duration, commits it against the reservation, and
// emits metrics/ledger/trace exactly once.
func (s *RealtimeSession) Close() error {
	closeErr := s.RealtimeSession.Close()
	dur := time.Since(s.opened)

	cost := decimal.Zero
	if s.haveCost {
		cost = billing.Realtime(s.cost, billing.AudioUsage{Seconds: dur.Seconds()}, billing.ChatUsage{})
	}
	if err := s.pipeline.VKeys.Commit(context.Background(), s.handle, cost); err != nil {
		s.pipeline.log().Error("billing_commit_failed", slog.String("request_id", s.requestID), slog.String("error", err.Error()))
	}
	if s.pipeline.Metrics != nil {
		s.pipeline.Metrics.RecordRealtimeSession(s.provider, "closed", dur)
		costFloat, _ := cost.Float64()
		s.pipeline.Metrics.AddCost("realtime", costFloat)
	}
	if s.pipeline.Ledger != nil {
		s.pipeline.Ledger.Record(billing.UsageEvent{
			ID: uuid.New(), TenantID: s.tenantID, VirtualKeyID: s.vk.ID, GroupID: s.vk.GroupID,
			Provider: s.provider, Model: s.model, Operation: "realtime",
			Cost: cost, LatencyMs: clampLatencyMs(dur), Status: 200, CreatedAt: time.Now(),
		})
	}
	if s.span != nil {
		s.span.End(catalog.TraceOk, "")
	}
	return closeErr
}

// endSpanForErr picks TraceCancelled vs TraceError based on the supplied
// context, mirroring ChatCompletion's exec-failure classification.
func endSpanForErr(endSpan func(catalog.TraceStatus, string), ctx context.Context, err error) {
	if ctx.Err() == context.Canceled {
		endSpan(catalog.TraceCancelled, apierrKind(err))
	} else {
		endSpan(catalog.TraceError, apierrKind(err))
	}
}
