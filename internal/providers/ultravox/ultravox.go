// Package ultravox implements providers.RealtimeProvider against Ultravox's
// duplex realtime voice API. A session is a single WebSocket connection
// exchanging raw binary audio frames in both directions; unlike the other
// provider packages this one has no request/response HTTP surface, only a
// call to negotiate the session and then a long-lived socket.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.ultravox.ai/api"
	providerName   = "ultravox"
)

type createCallRequest struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Medium       struct {
		ServerWebSocket struct {
			InputSampleRate  int `json:"inputSampleRate"`
			OutputSampleRate int `json:"outputSampleRate"`
		} `json:"serverWebSocket"`
	} `json:"medium"`
}

type createCallResponse struct {
	CallID     string `json:"callId"`
	JoinURL    string `json:"joinUrl"`
	ClientInfo string `json:"clientVersion,omitempty"`
}

type apiError struct {
	Detail string `json:"detail"`
}

// Provider implements providers.RealtimeProvider for Ultravox.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Ultravox API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new Ultravox Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/calls", nil)
	if err != nil {
		return fmt.Errorf("ultravox: health check: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ultravox: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ultravox: health check: status %d", resp.StatusCode)
	}
	return nil
}

// Request always fails: Ultravox has no turn-based chat completion surface.
func (p *Provider) Request(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, apierr.New(apierr.KindNotImplemented, "ultravox: chat completions are not supported by this provider")
}

// OpenRealtimeSession creates an Ultravox call and dials its WebSocket
// join URL, returning a duplex audio session.
func (p *Provider) OpenRealtimeSession(ctx context.Context, cfg *providers.RealtimeSessionConfig) (providers.RealtimeSession, error) {
	ccr := createCallRequest{Model: cfg.Model, Voice: cfg.Voice}
	ccr.Medium.ServerWebSocket.InputSampleRate = 16000
	ccr.Medium.ServerWebSocket.OutputSampleRate = 16000

	body, err := json.Marshal(ccr)
	if err != nil {
		return nil, fmt.Errorf("ultravox: marshal call request: %w", err)
	}

	apiKey := p.apiKey
	if cfg.APIKey != "" {
		apiKey = cfg.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ultravox: %w", err)
	}
	httpReq.Header.Set("X-API-Key", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ultravox: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ultravox: read call response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var ae apiError
		if err := json.Unmarshal(respBody, &ae); err == nil && ae.Detail != "" {
			return nil, providers.Classify(resp.StatusCode, ae.Detail)
		}
		return nil, providers.Classify(resp.StatusCode, string(respBody))
	}

	var cc createCallResponse
	if err := json.Unmarshal(respBody, &cc); err != nil {
		return nil, fmt.Errorf("ultravox: decode call response: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, cc.JoinURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ultravox: websocket dial: %w", err)
	}

	return &Session{conn: conn, callID: cc.CallID}, nil
}

// Session is one open Ultravox realtime call. Writes are serialized with a
// mutex because a WebSocket connection does not support concurrent writers.
type Session struct {
	conn   *websocket.Conn
	callID string
	mu     sync.Mutex
	closed bool
}

func (s *Session) Send(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("ultravox: session closed")
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("ultravox: websocket write: %w", err)
	}
	return nil
}

func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ultravox: websocket read: %w", err)
	}
	return data, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}
