// Package ollama implements the providers.Provider interface against a
// self-hosted Ollama server's /api/chat endpoint. Ollama streams responses
// as newline-delimited JSON objects (one per token chunk) rather than
// OpenAI-style SSE, and reports durations in nanoseconds.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatResponse is one line of Ollama's NDJSON stream. The terminal line
// carries Done=true along with cumulative nanosecond-precision durations
// and token counts.
type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	TotalDuration   int64       `json:"total_duration,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// Provider implements providers.Provider for a self-hosted Ollama server.
type Provider struct {
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default local Ollama server address.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new Ollama Provider. apiKey is accepted for interface
// symmetry with hosted providers but unused: Ollama has no API key of its
// own, relying instead on network-level access control.
func New(_ string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check: status %d", resp.StatusCode)
	}
	return nil
}

func toMessages(msgs []providers.Message) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Stream {
		return p.requestStreaming(ctx, req)
	}

	cr := chatRequest{
		Model:    req.Model,
		Messages: toMessages(req.Messages),
		Stream:   false,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providers.Classify(resp.StatusCode, string(respBody))
	}

	var cr2 chatResponse
	if err := json.Unmarshal(respBody, &cr2); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if cr2.Error != "" {
		return nil, providers.Classify(http.StatusOK, cr2.Error)
	}

	return &providers.ProxyResponse{
		Model:   cr2.Model,
		Content: cr2.Message.Content,
		Usage: providers.Usage{
			InputTokens:  cr2.PromptEvalCount,
			OutputTokens: cr2.EvalCount,
		},
	}, nil
}

// requestStreaming reads Ollama's newline-delimited JSON stream and
// re-emits it as the gateway's own StreamChunk channel.
func (p *Provider) requestStreaming(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	cr := chatRequest{
		Model:    req.Model,
		Messages: toMessages(req.Messages),
		Stream:   true,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, providers.Classify(resp.StatusCode, string(respBody))
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			finish := ""
			if chunk.Done {
				finish = "stop"
			}
			select {
			case ch <- providers.StreamChunk{Content: chunk.Message.Content, FinishReason: finish}:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return &providers.ProxyResponse{Model: req.Model, Stream: ch}, nil
}
