package ultravox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// newEchoWSServer returns an httptest server that accepts a WebSocket
// connection and echoes back whatever binary frame it receives.
func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		_ = conn.Write(ctx, typ, data)
	}))
}

func TestRequest_AlwaysNotImplemented(t *testing.T) {
	p := New("test-key")
	_, err := p.Request(context.Background(), &providers.ProxyRequest{})
	aerr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *apierr.Error", err)
	}
	if aerr.Kind != apierr.KindNotImplemented {
		t.Errorf("Kind = %s, want %s", aerr.Kind, apierr.KindNotImplemented)
	}
}

func TestOpenRealtimeSession_DialsJoinURLAndRoundTripsAudio(t *testing.T) {
	wsSrv := newEchoWSServer(t)
	defer wsSrv.Close()
	joinURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	callSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("missing X-API-Key header")
		}
		var got createCallRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode call request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(createCallResponse{CallID: "call-123", JoinURL: joinURL})
	}))
	defer callSrv.Close()

	p := New("test-key", WithBaseURL(callSrv.URL))
	session, err := p.OpenRealtimeSession(context.Background(), &providers.RealtimeSessionConfig{
		Model: "fixie-ai/ultravox",
		Voice: "terrence",
	})
	if err != nil {
		t.Fatalf("OpenRealtimeSession() error = %v", err)
	}
	defer session.Close()

	if err := session.Send(context.Background(), []byte("audio-frame")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := session.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got) != "audio-frame" {
		t.Errorf("Receive() = %q, want %q", got, "audio-frame")
	}
}

func TestOpenRealtimeSession_ErrorStatusClassified(t *testing.T) {
	callSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer callSrv.Close()

	p := New("bad-key", WithBaseURL(callSrv.URL))
	_, err := p.OpenRealtimeSession(context.Background(), &providers.RealtimeSessionConfig{Model: "fixie-ai/ultravox"})
	aerr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *apierr.Error", err)
	}
	if aerr.Kind != apierr.KindUnauthenticated {
		t.Errorf("Kind = %s, want %s", aerr.Kind, apierr.KindUnauthenticated)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	wsSrv := newEchoWSServer(t)
	defer wsSrv.Close()
	joinURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	conn, _, err := websocket.Dial(context.Background(), joinURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	session := &Session{conn: conn, callID: "call-abc"}

	if err := session.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
