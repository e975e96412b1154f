package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func TestRequest_NonStreamingParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var got chatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got.Stream {
			t.Error("expected non-streaming request")
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Model:           "llama3",
			Message:         chatMessage{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 5,
			EvalCount:       2,
			TotalDuration:   1_500_000_000,
		})
	}))
	defer srv.Close()

	p := New("", WithBaseURL(srv.URL))
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "llama3",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("Content = %q, want %q", resp.Content, "hi there")
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v, want {5 2}", resp.Usage)
	}
}

func TestRequest_StreamingEmitsChunksAndTerminatesOnDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		enc := json.NewEncoder(w)
		_ = enc.Encode(chatResponse{Message: chatMessage{Content: "hi"}, Done: false})
		flusher.Flush()
		_ = enc.Encode(chatResponse{Message: chatMessage{Content: " there"}, Done: false})
		flusher.Flush()
		_ = enc.Encode(chatResponse{Message: chatMessage{Content: ""}, Done: true})
		flusher.Flush()
	}))
	defer srv.Close()

	p := New("", WithBaseURL(srv.URL))
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "llama3",
		Stream:   true,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected non-nil stream channel")
	}

	var got []string
	var lastFinish string
	for chunk := range resp.Stream {
		got = append(got, chunk.Content)
		lastFinish = chunk.FinishReason
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3: %v", len(got), got)
	}
	if lastFinish != "stop" {
		t.Errorf("lastFinish = %q, want stop", lastFinish)
	}
}

func TestRequest_ErrorFieldInBodyClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Error: "model 'nonexistent' not found"})
	}))
	defer srv.Close()

	p := New("", WithBaseURL(srv.URL))
	_, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "nonexistent",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for model-not-found body")
	}
}

func TestHealthCheck_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New("", WithBaseURL(srv.URL))
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error from unhealthy upstream")
	}
}
