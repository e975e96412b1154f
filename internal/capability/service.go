// Package capability implements the capability service: a read-only,
// cached facade over model metadata (context window, modality support,
// default models per operation kind).
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Region is the cache region every accessor reads through.
const Region = "ModelCapabilities"

// DefaultTTL is the region's default entry lifetime.
const DefaultTTL = 15 * time.Minute

// Kind enumerates the operation kinds GetDefaultModel resolves a default
// model for.
type Kind string

const (
	KindChat          Kind = "chat"
	KindTranscription Kind = "transcription"
	KindTTS           Kind = "tts"
	KindRealtime      Kind = "realtime"
)

// ModelInfo is the persisted metadata row this service serves.
type ModelInfo struct {
	Provider               string
	Model                  string
	ContextWindow          int
	SupportsVision         bool
	SupportsTools          bool
	SupportsStreaming      bool
	SupportsAudioTranscription bool
	SupportsTextToSpeech   bool
	SupportsRealtimeAudio  bool
	SupportedFormats       []string
	SupportedLanguages     []string
}

// Store is the persistence interface this service reads through. It is
// never written to by the gateway.
type Store interface {
	ModelInfo(ctx context.Context, provider, model string) (*ModelInfo, bool, error)
	DefaultModel(ctx context.Context, provider string, kind Kind) (string, bool, error)
}

// Service is the capability service.
type Service struct {
	store Store
	cache *cache.Manager
}

func New(store Store, mgr *cache.Manager) *Service {
	mgr.RegisterRegion(Region, cache.RegionConfig{
		TTL:            DefaultTTL,
		MaxTTL:         DefaultTTL,
		UseMemory:      true,
		UseDistributed: true,
		EvictionPolicy: cache.EvictionLRU,
	})
	return &Service{store: store, cache: mgr}
}

func (s *Service) lookup(ctx context.Context, provider, model string) (*ModelInfo, error) {
	key := provider + "/" + model
	info, err := cache.GetOrLoad(ctx, s.cache, Region, key, func(ctx context.Context) (ModelInfo, error) {
		info, found, err := s.store.ModelInfo(ctx, provider, model)
		if err != nil {
			return ModelInfo{}, apierr.Wrap(apierr.KindUnexpected, err, "capability lookup failed")
		}
		if !found {
			return ModelInfo{}, apierr.Newf(apierr.KindModelNotFound, "unknown capability for %s/%s", provider, model).WithParam("model")
		}
		return *info, nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *Service) SupportsChat(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.ContextWindow > 0, nil
}

func (s *Service) SupportsVision(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsVision, nil
}

func (s *Service) SupportsTools(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsTools, nil
}

func (s *Service) SupportsStreaming(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsStreaming, nil
}

func (s *Service) SupportsAudioTranscription(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsAudioTranscription, nil
}

func (s *Service) SupportsTextToSpeech(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsTextToSpeech, nil
}

func (s *Service) SupportsRealtimeAudio(ctx context.Context, provider, model string) (bool, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return false, err
	}
	return info.SupportsRealtimeAudio, nil
}

// ContextWindow returns the model's maximum context length in tokens.
func (s *Service) ContextWindow(ctx context.Context, provider, model string) (int, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return 0, err
	}
	return info.ContextWindow, nil
}

func (s *Service) GetSupportedFormats(ctx context.Context, provider, model string) ([]string, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	return info.SupportedFormats, nil
}

func (s *Service) GetSupportedLanguages(ctx context.Context, provider, model string) ([]string, error) {
	info, err := s.lookup(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	return info.SupportedLanguages, nil
}

// GetDefaultModel never falls back to a hard-coded model name: an
// unresolved (provider, kind) pair is an apierr.KindModelNotFound error.
func (s *Service) GetDefaultModel(ctx context.Context, provider string, kind Kind) (string, error) {
	key := fmt.Sprintf("default/%s/%s", provider, kind)
	return cache.GetOrLoad(ctx, s.cache, Region, key, func(ctx context.Context) (string, error) {
		model, found, err := s.store.DefaultModel(ctx, provider, kind)
		if err != nil {
			return "", apierr.Wrap(apierr.KindUnexpected, err, "default model lookup failed")
		}
		if !found {
			return "", apierr.Newf(apierr.KindModelNotFound, "no default %s model configured for provider %s", kind, provider)
		}
		return model, nil
	})
}
