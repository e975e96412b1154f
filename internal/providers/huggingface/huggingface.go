// Package huggingface implements the providers.Provider interface against
// the HuggingFace Inference API, whose text-generation wire shape is
// {inputs, parameters, options} rather than an OpenAI-style message array —
// the gateway flattens the conversation into a single prompt string before
// sending it.
package huggingface

import (
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
	defaultBaseURL = "https://api-inference.huggingface.co/models"
	providerName   = "huggingface"
)

type generationParameters struct {
	Temperature    float64 `json:"temperature,omitempty"`
	MaxNewTokens   int     `json:"max_new_tokens,omitempty"`
	ReturnFullText bool    `json:"return_full_text"`
}

type generationOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type generationRequest struct {
	Inputs     string               `json:"inputs"`
	Parameters generationParameters `json:"parameters,omitempty"`
	Options    generationOptions    `json:"options"`
}

type generatedText struct {
	GeneratedText string `json:"generated_text"`
}

// Provider implements providers.Provider for HuggingFace Inference API
// text-generation models.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default HuggingFace inference base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new HuggingFace Provider.
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL, nil)
	if err != nil {
		return fmt.Errorf("huggingface: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("huggingface: health check: %w", err)
	}
	defer resp.Body.Close()
	// The inference API root returns 404 for an unknown path but still
	// proves the host and credentials are reachable; only treat a hard
	// transport failure or 5xx as unhealthy.
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("huggingface: health check: status %d", resp.StatusCode)
	}
	return nil
}

// flattenPrompt joins a normalized message list into a single prompt string,
// the shape HuggingFace's generic text-generation endpoint expects.
func flattenPrompt(msgs []providers.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	gr := generationRequest{
		Inputs: flattenPrompt(req.Messages),
		Parameters: generationParameters{
			Temperature:    req.Temperature,
			MaxNewTokens:   req.MaxTokens,
			ReturnFullText: false,
		},
		Options: generationOptions{WaitForModel: true},
	}
	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	apiKey := p.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}

	url := p.baseURL + "/" + req.Model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, providers.Classify(resp.StatusCode, string(respBody))
	}

	var generations []generatedText
	if err := json.Unmarshal(respBody, &generations); err != nil {
		return nil, fmt.Errorf("huggingface: decode response: %w", err)
	}
	if len(generations) == 0 {
		return nil, fmt.Errorf("huggingface: empty generation response")
	}

	return &providers.ProxyResponse{
		Model:   req.Model,
		Content: generations[0].GeneratedText,
	}, nil
}
