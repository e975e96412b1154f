package httpapi

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type outboundCapabilities struct {
	Provider                   string `json:"provider"`
	Model                      string `json:"model"`
	SupportsVision             bool   `json:"supports_vision"`
	SupportsTools              bool   `json:"supports_tools"`
	SupportsStreaming          bool   `json:"supports_streaming"`
	SupportsAudioTranscription bool   `json:"supports_audio_transcription"`
	SupportsTextToSpeech       bool   `json:"supports_text_to_speech"`
	SupportsRealtimeAudio      bool   `json:"supports_realtime_audio"`
}

// handleModelCapabilities serves GET /v1/models/capabilities?provider=&model=,
// a read-only lookup against the capability service's cached model
// metadata. Returns 404 via apierr.KindModelNotFound for an unknown pair.
func (s *Server) handleModelCapabilities(ctx *fasthttp.RequestCtx) {
	if s.capabilities == nil {
		s.writeError(ctx, apierr.New(apierr.KindNotImplemented, "capability service not configured"))
		return
	}

	provider := string(ctx.QueryArgs().Peek("provider"))
	model := string(ctx.QueryArgs().Peek("model"))
	if provider == "" || model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "query params 'provider' and 'model' are required").WithParam("model"))
		return
	}

	vision, err := s.capabilities.SupportsVision(ctx, provider, model)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	tools, _ := s.capabilities.SupportsTools(ctx, provider, model)
	streaming, _ := s.capabilities.SupportsStreaming(ctx, provider, model)
	transcription, _ := s.capabilities.SupportsAudioTranscription(ctx, provider, model)
	tts, _ := s.capabilities.SupportsTextToSpeech(ctx, provider, model)
	realtime, _ := s.capabilities.SupportsRealtimeAudio(ctx, provider, model)

	s.writeJSON(ctx, fasthttp.StatusOK, outboundCapabilities{
		Provider:                   provider,
		Model:                      model,
		SupportsVision:             vision,
		SupportsTools:              tools,
		SupportsStreaming:          streaming,
		SupportsAudioTranscription: transcription,
		SupportsTextToSpeech:       tts,
		SupportsRealtimeAudio:      realtime,
	})
}
