// Package cohere implements the providers.Provider interface for Cohere's
// Chat API. Cohere's wire format differs from the OpenAI dialect in two
// ways the gateway has to translate: a single current-turn "message" field
// plus a separate "chat_history" array (rather than one interleaved
// messages array), and history roles of USER/CHATBOT/SYSTEM instead of
// user/assistant/system.
package cohere

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
	defaultBaseURL = "https://api.cohere.com/v1"
	providerName   = "cohere"
)

type historyTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Message     string        `json:"message"`
	ChatHistory []historyTurn `json:"chat_history,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Text    string    `json:"text"`
	Meta    *chatMeta `json:"meta,omitempty"`
	Message string    `json:"message,omitempty"` // populated on error responses
}

type chatMeta struct {
	BilledUnits *billedUnits `json:"billed_units,omitempty"`
}

type billedUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider implements providers.Provider for Cohere.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Cohere API base URL (for testing or
// a private deployment).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new Cohere Provider.
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("cohere: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cohere: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cohere: health check: status %d", resp.StatusCode)
	}
	return nil
}

// toHistory splits a normalized message list into Cohere's
// current-message + chat_history shape, mapping roles to USER/CHATBOT/SYSTEM.
func toHistory(msgs []providers.Message) (message string, history []historyTurn) {
	if len(msgs) == 0 {
		return "", nil
	}
	for _, m := range msgs[:len(msgs)-1] {
		history = append(history, historyTurn{Role: cohereRole(m.Role), Message: m.Content})
	}
	return msgs[len(msgs)-1].Content, history
}

func cohereRole(role string) string {
	switch role {
	case "assistant":
		return "CHATBOT"
	case "system":
		return "SYSTEM"
	default:
		return "USER"
	}
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	message, history := toHistory(req.Messages)
	cr := chatRequest{
		Model:       req.Model,
		Message:     message,
		ChatHistory: history,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal request: %w", err)
	}

	apiKey := p.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cohere: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, providers.Classify(resp.StatusCode, string(respBody))
	}

	var cr2 chatResponse
	if err := json.Unmarshal(respBody, &cr2); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	out := &providers.ProxyResponse{Model: req.Model, Content: cr2.Text}
	if cr2.Meta != nil && cr2.Meta.BilledUnits != nil {
		out.Usage = providers.Usage{
			InputTokens:  cr2.Meta.BilledUnits.InputTokens,
			OutputTokens: cr2.Meta.BilledUnits.OutputTokens,
		}
	}
	return out, nil
}
