package catalog

import (
	"context"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/capability"
)

// defaultContextWindow is used when a mapping carries no explicit context
// window — this store has no dedicated column for it, unlike a persisted
// catalog, so capability lookups get a conservative, documented default
// rather than silently returning zero.
const defaultContextWindow = 128_000

// ModelInfo and DefaultModel satisfy capability.Store, letting the
// capability service read through this store.

// ModelInfo derives capability metadata from the ModelMapping whose
// (ProviderID, ProviderModelID) matches provider/model. MemoryStore has no
// secondary index for this — it's a linear scan, acceptable for the small,
// in-process mapping sets this store is built for.
func (s *MemoryStore) ModelInfo(_ context.Context, provider, model string) (*capability.ModelInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mappings := range s.mappings {
		for _, m := range mappings {
			if m.ProviderID != provider || m.ProviderModelID != model {
				continue
			}
			return &capability.ModelInfo{
				Provider:                   provider,
				Model:                      model,
				ContextWindow:              defaultContextWindow,
				SupportsVision:             m.Capabilities.Vision,
				SupportsTools:              m.Capabilities.FunctionCalling,
				SupportsStreaming:          m.Capabilities.Streaming,
				SupportsAudioTranscription: m.Capabilities.Transcription,
				SupportsTextToSpeech:       m.Capabilities.TextToSpeech,
				SupportsRealtimeAudio:      m.Capabilities.Realtime,
			}, true, nil
		}
	}
	return nil, false, nil
}

// DefaultModel returns the highest-priority enabled mapping's provider
// model ID for provider that supports the capability kind.
func (s *MemoryStore) DefaultModel(_ context.Context, provider string, kind capability.Kind) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []ModelMapping
	for _, mappings := range s.mappings {
		for _, m := range mappings {
			if m.ProviderID != provider || !m.Enabled {
				continue
			}
			if !capabilityMatchesKind(m.Capabilities, kind) {
				continue
			}
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ProviderModelID, true, nil
}

func capabilityMatchesKind(c Capabilities, kind capability.Kind) bool {
	switch kind {
	case capability.KindChat:
		return c.Chat
	case capability.KindTranscription:
		return c.Transcription
	case capability.KindTTS:
		return c.TextToSpeech
	case capability.KindRealtime:
		return c.Realtime
	default:
		return false
	}
}
