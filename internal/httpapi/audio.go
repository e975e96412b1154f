package httpapi

import (
	"encoding/json"
	"io"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type outboundTranscriptionResponse struct {
	Text string `json:"text"`
}

// handleTranscription serves POST /v1/audio/transcriptions. The request
// body is multipart/form-data, matching the OpenAI upload contract: a
// "file" part with the audio bytes, plus "model" and optional "language"
// fields.
func (s *Server) handleTranscription(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)

	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		s.writeError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid multipart form: %s", err.Error()))
		return
	}

	model := firstFormValue(form.Value["model"])
	if model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required").WithParam("model"))
		return
	}
	language := firstFormValue(form.Value["language"])
	audioURL := firstFormValue(form.Value["audio_url"])

	var (
		audio    []byte
		filename string
	)
	fileHeaders := form.File["file"]
	if len(fileHeaders) > 0 {
		fh := fileHeaders[0]
		f, err := fh.Open()
		if err != nil {
			s.writeError(ctx, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read uploaded file"))
			return
		}
		defer f.Close()
		audio, err = io.ReadAll(f)
		if err != nil {
			s.writeError(ctx, apierr.Wrap(apierr.KindInvalidRequest, err, "failed to read uploaded file"))
			return
		}
		filename = fh.Filename
	}

	result, err := s.pipeline.Transcribe(ctx, pipeline.TranscriptionRequest{
		TenantID:    tenantID,
		BearerToken: bearer,
		Model:       model,
		Audio:       audio,
		AudioUrl:    audioURL,
		Filename:    filename,
		Language:    language,
		RequestID:   reqID,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, outboundTranscriptionResponse{Text: result.Response.Text})
}

func firstFormValue(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

type inboundSpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// handleSpeech serves POST /v1/audio/speech, returning the synthesized
// audio directly as the response body rather than a JSON envelope,
// matching the OpenAI contract.
func (s *Server) handleSpeech(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)

	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	var req inboundSpeechRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required").WithParam("model"))
		return
	}
	if req.Input == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'input' is required").WithParam("input"))
		return
	}

	result, err := s.pipeline.Speak(ctx, pipeline.SpeechRequest{
		TenantID:    tenantID,
		BearerToken: bearer,
		Model:       req.Model,
		Text:        req.Input,
		Voice:       req.Voice,
		Format:      req.ResponseFormat,
		RequestID:   reqID,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	ctx.SetContentType(audioContentType(result.Response.Format))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(result.Response.Audio)
}

func audioContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/opus"
	case "flac":
		return "audio/flac"
	case "aac":
		return "audio/aac"
	default:
		return "audio/mpeg"
	}
}
