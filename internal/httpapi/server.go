// Package httpapi is the OpenAI-compatible HTTP transport: it exposes the
// request pipeline's operations over fasthttp across the full multi-modal
// surface (chat, embeddings, images, audio, realtime) plus operational
// routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	fhrouter "github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/capability"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// RateLimiter checks a per-virtual-key request budget before the pipeline
// runs. Server only calls Allow when a limiter is configured, so a nil
// field disables rate limiting entirely.
type RateLimiter interface {
	Allow(ctx context.Context, virtualKeyID string) (bool, error)
}

// Options configures a Server. All fields are optional except Pipeline.
type Options struct {
	Logger       *slog.Logger
	Metrics      *metrics.Registry
	Health       *health.Monitor
	RateLimiter  RateLimiter
	Capabilities *capability.Service
	CORSOrigins  []string
	// BaseCtx governs the lifetime of the background provider health
	// probe. Defaults to context.Background() when nil.
	BaseCtx context.Context
	// DevMode includes the underlying error cause in API error responses.
	// Must be false in production deployments.
	DevMode bool
	// AdminAPIKey gates /health, /readiness, and /metrics behind an
	// X-API-Key header. Empty disables the check.
	AdminAPIKey string
}

// Server wires the pipeline to fasthttp routes. Every dependency is
// injected so handlers can be exercised against fakes in tests.
type Server struct {
	pipeline     *pipeline.Pipeline
	metrics      *metrics.Registry
	health       *health.Monitor
	limiter      RateLimiter
	capabilities *capability.Service
	log          *slog.Logger
	devMode      bool
	origins      []string
	probe        *providerProbe
	adminKey     string

	startTime time.Time
}

// New builds a Server around an already-constructed pipeline and starts
// its background provider health probe.
func New(p *pipeline.Pipeline, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	baseCtx := opts.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		pipeline:     p,
		metrics:      opts.Metrics,
		health:       opts.Health,
		limiter:      opts.RateLimiter,
		capabilities: opts.Capabilities,
		log:          log,
		devMode:      opts.DevMode,
		origins:      opts.CORSOrigins,
		probe:        newProviderProbe(baseCtx, p.Providers),
		adminKey:     opts.AdminAPIKey,
		startTime:    time.Now(),
	}
}

// Close stops the background provider health probe. It does not close the
// underlying pipeline or its providers.
func (s *Server) Close() {
	if s.probe != nil {
		s.probe.close()
	}
}

// Start builds the route table and blocks serving on addr.
func (s *Server) Start(addr string) error {
	r := fhrouter.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.POST("/v1/images/generations", s.handleImageGeneration)
	r.POST("/v1/audio/transcriptions", s.handleTranscription)
	r.POST("/v1/audio/speech", s.handleSpeech)
	r.GET("/v1/realtime", s.handleRealtime)
	r.GET("/v1/models", s.handleListModels)
	r.GET("/v1/models/capabilities", s.handleModelCapabilities)

	admin := adminAuth(s.adminKey)
	r.GET("/health", admin(s.handleHealth))
	r.GET("/readiness", admin(s.handleReadiness))
	if s.metrics != nil {
		r.GET("/metrics", admin(s.metrics.Handler()))
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.origins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// checkRateLimit returns true if the request should proceed. It is
// nil-safe: with no limiter configured every request is allowed.
func (s *Server) checkRateLimit(ctx context.Context, virtualKeyID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(ctx, virtualKeyID)
	if err != nil {
		// Fail open: a rate-limiter outage must not take the gateway down.
		s.log.WarnContext(ctx, "rate_limiter_error", slog.String("error", err.Error()))
		return true
	}
	return allowed
}

// writeError renders any error through apierr.FromKind, wrapping errors
// the pipeline didn't already classify as KindUnexpected.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error) {
	reqID := requestIDFrom(ctx)
	var aerr *apierr.Error
	if !errors.As(err, &aerr) {
		aerr = apierr.Wrap(apierr.KindUnexpected, err, "unexpected error")
	}
	apierr.FromKind(ctx, aerr, reqID, s.devMode)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.writeError(ctx, apierr.Wrap(apierr.KindUnexpected, err, "failed to serialize response"))
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// rateLimitError standardizes the 429 a caller gets when RateLimiter.Allow
// returns false, independent of the limiter's own retry-after policy.
func rateLimitError() *apierr.Error {
	return apierr.New(apierr.KindRateLimitExceeded, "rate limit exceeded").WithRetryAfter(60)
}
