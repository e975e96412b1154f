package tracing

import (
	"context"
	"testing"
	"time"

	noop "go.opentelemetry.io/otel/trace/noop"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

func newTestTracer(capacity int) *Tracer {
	return New(noop.NewTracerProvider().Tracer("test"), capacity)
}

func TestSpan_EndRecordsTrace(t *testing.T) {
	tr := newTestTracer(10)
	_, span := tr.Start(context.Background(), "chat")
	span.SetProvider("groq-1")
	span.SetVirtualKey("vk1")
	span.SetTag("model", "gemma2-9b-it")
	span.End(catalog.TraceOk, "")

	got, ok := tr.Get(span.id)
	if !ok {
		t.Fatal("trace not found after End")
	}
	if got.Operation != "chat" || got.Provider != "groq-1" || got.VirtualKey != "vk1" {
		t.Fatalf("trace = %+v", got)
	}
	if got.Tags["model"] != "gemma2-9b-it" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if got.Status != catalog.TraceOk {
		t.Fatalf("status = %s, want ok", got.Status)
	}
}

func TestSpan_EndIsIdempotent(t *testing.T) {
	tr := newTestTracer(10)
	_, span := tr.Start(context.Background(), "chat")
	span.End(catalog.TraceOk, "")
	d1 := span.tracer.buf.entries[0].Duration
	time.Sleep(time.Millisecond)
	span.End(catalog.TraceError, "internal_error")
	d2 := span.tracer.buf.entries[0].Duration
	if d1 != d2 {
		t.Fatal("second End call mutated the already-recorded trace")
	}
}

func TestSearch_FiltersByOperationProviderStatus(t *testing.T) {
	tr := newTestTracer(10)

	_, s1 := tr.Start(context.Background(), "chat")
	s1.SetProvider("groq-1")
	s1.End(catalog.TraceOk, "")

	_, s2 := tr.Start(context.Background(), "chat")
	s2.SetProvider("openai-primary")
	s2.End(catalog.TraceError, "provider_unavailable")

	_, s3 := tr.Start(context.Background(), "embeddings")
	s3.SetProvider("groq-1")
	s3.End(catalog.TraceOk, "")

	got := tr.Search(Filter{Operation: "chat", Status: catalog.TraceOk})
	if len(got) != 1 || got[0].Provider != "groq-1" {
		t.Fatalf("got %+v", got)
	}

	errs := tr.Search(Filter{Status: catalog.TraceError})
	if len(errs) != 1 || errs[0].ErrorKind != "provider_unavailable" {
		t.Fatalf("errs = %+v", errs)
	}
}

func TestSearch_DurationRange(t *testing.T) {
	tr := newTestTracer(10)
	_, span := tr.Start(context.Background(), "chat")
	time.Sleep(5 * time.Millisecond)
	span.End(catalog.TraceOk, "")

	if got := tr.Search(Filter{MinDuration: time.Second}); len(got) != 0 {
		t.Fatalf("expected no match above 1s floor, got %d", len(got))
	}
	if got := tr.Search(Filter{MinDuration: time.Millisecond}); len(got) != 1 {
		t.Fatalf("expected one match above 1ms floor, got %d", len(got))
	}
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	tr := newTestTracer(2)
	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		_, span := tr.Start(context.Background(), "chat")
		span.End(catalog.TraceOk, "")
		ids[i] = span.id
	}

	if _, ok := tr.Get(ids[0]); ok {
		t.Fatal("oldest trace should have been evicted")
	}
	if _, ok := tr.Get(ids[2]); !ok {
		t.Fatal("newest trace should still be present")
	}
	if got := len(tr.Search(Filter{})); got != 2 {
		t.Fatalf("search returned %d entries, want 2 (capacity)", got)
	}
}
