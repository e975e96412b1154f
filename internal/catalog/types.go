// Package catalog holds the data model for providers, credentials, model
// mappings, pricing rules, and virtual-key billing groups, plus the
// read-only store interfaces the rest of the gateway consumes. Persistence
// itself lives outside this module; catalog only defines the shape of what
// it reads and, for virtual-key balances, the narrow write path the
// VirtualKey service needs.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderType tags a Provider with the dialect its client speaks.
type ProviderType string

const (
	ProviderOpenAI         ProviderType = "openai"
	ProviderAzureOpenAI    ProviderType = "azure-openai"
	ProviderAnthropic      ProviderType = "anthropic"
	ProviderCohere         ProviderType = "cohere"
	ProviderGroq           ProviderType = "groq"
	ProviderCerebras       ProviderType = "cerebras"
	ProviderSambaNova      ProviderType = "sambanova"
	ProviderFireworks      ProviderType = "fireworks"
	ProviderReplicate      ProviderType = "replicate"
	ProviderHuggingFace    ProviderType = "huggingface"
	ProviderOllama         ProviderType = "ollama"
	ProviderVertex         ProviderType = "vertex"
	ProviderOpenAICompat   ProviderType = "openai-compatible"
	ProviderMiniMax        ProviderType = "minimax"
	ProviderUltravox       ProviderType = "ultravox"
	ProviderElevenLabs     ProviderType = "elevenlabs"
	ProviderMistral        ProviderType = "mistral"
	ProviderBedrock        ProviderType = "bedrock"
)

// Provider is a logical upstream. Immutable within the lifetime of one
// request; owned by the persistence layer.
type Provider struct {
	ID      string
	Type    ProviderType
	BaseURL string // optional override of the dialect's default base URL
	Enabled bool
}

// ProviderKey is a credential bound to a Provider.
type ProviderKey struct {
	ID             string
	ProviderID     string
	APIKey         string // secret
	BaseURLOverride string
	Organization   string
	Primary        bool
	Enabled        bool
	AccountGroup   string
}

// Capabilities describes what a ModelMapping supports.
type Capabilities struct {
	Chat            bool
	Vision          bool
	Streaming       bool
	FunctionCalling bool
	Audio           bool
	Embeddings      bool
	ImageGeneration bool
	Transcription   bool
	TextToSpeech    bool
	Realtime        bool
}

// ModelMapping translates a caller-facing logical alias into a concrete
// (provider, provider_model_id) pair.
type ModelMapping struct {
	ID             string
	TenantID       string
	Alias          string
	ProviderID     string
	ProviderModelID string
	Capabilities   Capabilities
	Priority       int
	Enabled        bool
}

// PricingModel enumerates how a ModelCost is computed.
type PricingModel string

const (
	PricingStandard     PricingModel = "standard"
	PricingTiered       PricingModel = "tiered"
	PricingPerSecond    PricingModel = "per-second"
	PricingPerCharacter PricingModel = "per-character"
	PricingPerImage     PricingModel = "per-image"
)

// ModelCost is a pricing rule attached to one or more ModelMappings.
// All rates are decimals carrying at least 6 fractional digits; rounding
// happens only at the final debit, never earlier.
type ModelCost struct {
	ID               string
	Name             string
	Model            PricingModel
	InputCostPerM    decimal.Decimal // cost per 1e6 input tokens
	OutputCostPerM   decimal.Decimal // cost per 1e6 output tokens
	PerSecondRate    decimal.Decimal // audio transcription / realtime
	PerCharacterRate decimal.Decimal // TTS
	PerImageRate     decimal.Decimal // image generation
	Priority         int
}

// VirtualKeyGroup is the billing aggregate a VirtualKey spends against.
type VirtualKeyGroup struct {
	ID                  string
	Name                string
	Balance             decimal.Decimal
	LifetimeCreditsAdded decimal.Decimal
	LifetimeSpent        decimal.Decimal
	ExternalGroupID      string
}

// VirtualKey is the API token issued to a caller.
type VirtualKey struct {
	ID            string
	HashedToken   string // sha256 hex of the bearer token
	Name          string
	AllowedModels []string // glob patterns; empty = allow all
	GroupID       string
	ExpiresAt     *time.Time
	RPMLimit      int // 0 = unlimited
	RPDLimit      int // 0 = unlimited
	Disabled      bool
	Metadata      map[string]string
}

// SessionState is the lifecycle of an AudioSession/RealtimeSession.
type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionActive       SessionState = "active"
	SessionDisconnected SessionState = "disconnected"
	SessionReconnecting SessionState = "reconnecting"
	SessionClosed       SessionState = "closed"
	SessionError        SessionState = "error"
)

// SessionStats accumulates per-session telemetry.
type SessionStats struct {
	InputAudioSeconds  float64
	OutputAudioSeconds float64
	TurnCount          int
	Interruptions      int
	FunctionCalls      int
	InputTokens        int
	OutputTokens       int
	ErrorCount         int
	AverageLatencyMs   float64
}

// RealtimeSession is the conversation state owned by a duplex transport.
type RealtimeSession struct {
	ID        string
	Provider  string
	Config    map[string]any
	CreatedAt time.Time
	State     SessionState
	Stats     SessionStats
}

// TraceStatus is the terminal outcome of one RequestTrace.
type TraceStatus string

const (
	TraceOk        TraceStatus = "ok"
	TraceError     TraceStatus = "error"
	TraceCancelled TraceStatus = "cancelled"
)

// RequestTrace is one out-of-band record of a completed (or cancelled)
// operation, independent of its HTTP response.
type RequestTrace struct {
	ID        string
	Start     time.Time
	Duration  time.Duration
	Operation string
	Provider  string
	VirtualKey string
	Status    TraceStatus
	ErrorKind string
	Tags      map[string]string
}
