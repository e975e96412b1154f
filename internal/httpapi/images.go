package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type inboundImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type (
	outboundImageData struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}
	outboundImageResponse struct {
		Created int64               `json:"created"`
		Data    []outboundImageData `json:"data"`
	}
)

func (s *Server) handleImageGeneration(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)

	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	var req inboundImageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required").WithParam("model"))
		return
	}
	if req.Prompt == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'prompt' is required").WithParam("prompt"))
		return
	}

	result, err := s.pipeline.GenerateImage(ctx, pipeline.ImageRequest{
		TenantID:    tenantID,
		BearerToken: bearer,
		Model:       req.Model,
		Prompt:      req.Prompt,
		Size:        req.Size,
		Count:       req.N,
		RequestID:   reqID,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	outData := make([]outboundImageData, len(result.Response.Data))
	for i, d := range result.Response.Data {
		outData[i] = outboundImageData{URL: d.URL, B64JSON: d.B64JSON}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, outboundImageResponse{
		Created: result.Response.Created,
		Data:    outData,
	})
}
