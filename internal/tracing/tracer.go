// Package tracing produces RequestTrace spans: one
// out-of-band record per completed (or cancelled) operation, independent of
// its HTTP response. It wraps go.opentelemetry.io/otel for span propagation
// (so a real exporter can be attached later without touching call sites)
// while keeping its own bounded, searchable in-memory record of finished
// traces — the default exporter is a no-op, since tracing backends are an
// out-of-scope sink, but the span/tag/search data model itself must work
// standalone.
package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

// Tracer starts spans and records their outcome into a bounded ring buffer.
type Tracer struct {
	otel oteltrace.Tracer
	buf  *ringBuffer
}

// New creates a Tracer backed by otelTracer (may be the global no-op tracer)
// recording up to capacity finished traces before overwriting the oldest.
func New(otelTracer oteltrace.Tracer, capacity int) *Tracer {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Tracer{otel: otelTracer, buf: newRingBuffer(capacity)}
}

// Span is an in-flight RequestTrace. It is not safe for concurrent use by
// multiple goroutines — each request owns exactly one.
type Span struct {
	tracer     *Tracer
	otelSpan   oteltrace.Span
	id         string
	operation  string
	start      time.Time
	provider   string
	virtualKey string
	tags       map[string]string
	ended      bool
}

// Start begins a span for operation (e.g. "chat", "embeddings"). The
// returned context carries the otel span so nested calls can attach child
// spans via the otel API directly if ever needed.
func (t *Tracer) Start(ctx context.Context, operation string) (context.Context, *Span) {
	var otelSpan oteltrace.Span
	if t.otel != nil {
		ctx, otelSpan = t.otel.Start(ctx, operation)
	}
	return ctx, &Span{
		tracer:    t,
		otelSpan:  otelSpan,
		id:        uuid.NewString(),
		operation: operation,
		start:     time.Now(),
		tags:      make(map[string]string),
	}
}

// SetProvider records which provider served the operation.
func (s *Span) SetProvider(provider string) { s.provider = provider }

// SetVirtualKey records which virtual key authorized the operation.
func (s *Span) SetVirtualKey(id string) { s.virtualKey = id }

// SetTag attaches an arbitrary key/value to the trace's tag bag and, if an
// otel span is active, as a span attribute.
func (s *Span) SetTag(key, value string) {
	s.tags[key] = value
	if s.otelSpan != nil {
		s.otelSpan.SetAttributes(attrString(key, value))
	}
}

// End finalizes the span with its terminal status and, for TraceError,
// the classified error kind. Calling End more than once is a no-op.
func (s *Span) End(status catalog.TraceStatus, errorKind string) {
	if s.ended {
		return
	}
	s.ended = true
	end := time.Now()

	if s.otelSpan != nil {
		s.otelSpan.SetAttributes(attrString("trace.status", string(status)))
		if errorKind != "" {
			s.otelSpan.SetAttributes(attrString("trace.error_kind", errorKind))
		}
		s.otelSpan.End()
	}

	s.tracer.buf.add(catalog.RequestTrace{
		ID:         s.id,
		Start:      s.start,
		Duration:   end.Sub(s.start),
		Operation:  s.operation,
		Provider:   s.provider,
		VirtualKey: s.virtualKey,
		Status:     status,
		ErrorKind:  errorKind,
		Tags:       s.tags,
	})
}

// Filter narrows Search results. Zero-value fields are unconstrained; a
// non-zero MinDuration/MaxDuration bounds the duration range.
type Filter struct {
	Operation   string
	Provider    string
	VirtualKey  string
	Status      catalog.TraceStatus
	MinDuration time.Duration
	MaxDuration time.Duration // zero means unbounded
}

// Search returns finished traces matching filter, most recent first.
func (t *Tracer) Search(f Filter) []catalog.RequestTrace {
	return t.buf.search(f)
}

// Get returns a single finished trace by ID.
func (t *Tracer) Get(id string) (catalog.RequestTrace, bool) {
	return t.buf.get(id)
}
