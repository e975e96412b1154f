package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type inboundEmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
}

type (
	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput accepts the OpenAI "input" field in either its bare
// string or array-of-strings form and normalizes it to []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{single}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)

	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required").WithParam("model"))
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, err.Error()).WithParam("input"))
		return
	}

	result, err := s.pipeline.Embeddings(ctx, pipeline.EmbeddingRequest{
		TenantID:    tenantID,
		BearerToken: bearer,
		Model:       req.Model,
		Input:       inputs,
		RequestID:   reqID,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	outData := make([]outboundEmbeddingData, len(result.Response.Data))
	for i, d := range result.Response.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  result.Response.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: result.Response.Usage.InputTokens,
			TotalTokens:  result.Response.Usage.InputTokens,
		},
	})
}
