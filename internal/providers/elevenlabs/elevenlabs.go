// Package elevenlabs implements providers.TextToSpeechProvider against the
// ElevenLabs text-to-speech API. ElevenLabs has no chat completion surface,
// so Provider.Request always fails with apierr.KindNotImplemented — routing
// only ever reaches this provider for speech requests.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io/v1"
	providerName     = "elevenlabs"
	defaultFormat    = "mp3_44100_128"
	streamChunkBytes = 4096
)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type speechErrorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type speechError struct {
	Detail speechErrorDetail `json:"detail"`
}

// Provider implements providers.TextToSpeechProvider for ElevenLabs.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the default ElevenLabs API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new ElevenLabs Provider.
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/voices", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: health check: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: health check: status %d", resp.StatusCode)
	}
	return nil
}

// Request always fails: ElevenLabs has no chat completion surface.
func (p *Provider) Request(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, apierr.New(apierr.KindNotImplemented, "elevenlabs: chat completions are not supported by this provider")
}

func (p *Provider) Speak(ctx context.Context, req *providers.TextToSpeechRequest) (*providers.TextToSpeechResponse, error) {
	voice := req.Voice
	if voice == "" {
		voice = "21m00Tcm4TlvDq8ikWAM" // ElevenLabs' default "Rachel" voice.
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}

	sr := speechRequest{
		Text:          req.Text,
		ModelID:       req.Model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	apiKey := p.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", p.baseURL, voice, format)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	httpReq.Header.Set("xi-api-key", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifySpeechError(resp.StatusCode, audio)
	}

	return &providers.TextToSpeechResponse{
		Audio:  audio,
		Format: format,
		Stream: chunkAudio(audio, streamChunkBytes),
	}, nil
}

// chunkAudio simulates a streaming response for a provider call that
// already returned the full buffer, per the gateway's chunk-if-no-native-
// streaming rule for text-to-speech.
func chunkAudio(audio []byte, chunkSize int) <-chan []byte {
	ch := make(chan []byte, (len(audio)/chunkSize)+1)
	go func() {
		defer close(ch)
		for i := 0; i < len(audio); i += chunkSize {
			end := i + chunkSize
			if end > len(audio) {
				end = len(audio)
			}
			ch <- audio[i:end]
		}
	}()
	return ch
}

func classifySpeechError(statusCode int, body []byte) *apierr.Error {
	var se speechError
	if err := json.Unmarshal(body, &se); err == nil && se.Detail.Message != "" {
		return providers.Classify(statusCode, se.Detail.Message)
	}
	return providers.Classify(statusCode, string(body))
}
