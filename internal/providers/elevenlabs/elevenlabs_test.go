package elevenlabs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

func TestRequest_AlwaysNotImplemented(t *testing.T) {
	p := New("test-key")
	_, err := p.Request(context.Background(), &providers.ProxyRequest{Model: "eleven_turbo_v2"})
	aerr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *apierr.Error", err)
	}
	if aerr.Kind != apierr.KindNotImplemented {
		t.Errorf("Kind = %s, want %s", aerr.Kind, apierr.KindNotImplemented)
	}
}

func TestSpeak_SuccessChunksAudioAndKeepsFullBuffer(t *testing.T) {
	audio := bytes16KFiller()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Error("missing xi-api-key header")
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	resp, err := p.Speak(context.Background(), &providers.TextToSpeechRequest{
		Model: "eleven_turbo_v2",
		Text:  "hello world",
		Voice: "21m00Tcm4TlvDq8ikWAM",
	})
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if len(resp.Audio) != len(audio) {
		t.Fatalf("Audio len = %d, want %d", len(resp.Audio), len(audio))
	}
	if resp.Stream == nil {
		t.Fatal("expected a simulated stream channel")
	}

	var total int
	for chunk := range resp.Stream {
		total += len(chunk)
	}
	if total != len(audio) {
		t.Errorf("streamed %d bytes total, want %d", total, len(audio))
	}
}

func TestSpeak_DefaultsVoiceAndFormatWhenUnset(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	resp, err := p.Speak(context.Background(), &providers.TextToSpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if resp.Format != defaultFormat {
		t.Errorf("Format = %q, want %q", resp.Format, defaultFormat)
	}
	if gotPath == "" {
		t.Fatal("request never reached server")
	}
	if want := "/text-to-speech/21m00Tcm4TlvDq8ikWAM?output_format=" + defaultFormat; gotPath != want {
		t.Errorf("request path = %q, want %q", gotPath, want)
	}
}

func TestSpeak_ErrorStatusClassifiedFromDetailMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"detail":{"status":"rate_limit","message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	_, err := p.Speak(context.Background(), &providers.TextToSpeechRequest{Text: "hi"})
	aerr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *apierr.Error", err)
	}
	if aerr.Kind != apierr.KindRateLimitExceeded {
		t.Errorf("Kind = %s, want %s", aerr.Kind, apierr.KindRateLimitExceeded)
	}
}

func bytes16KFiller() []byte {
	b := make([]byte, 16*1024+7)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
