package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleChatCompletions serves both /v1/chat/completions and /v1/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	reqID := requestIDFrom(ctx)
	tenantID := tenantIDFrom(ctx)
	bearer := bearerTokenFrom(ctx)

	if !s.checkRateLimit(ctx, rateLimitKeyFrom(bearer)) {
		s.writeError(ctx, rateLimitError())
		return
	}

	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		s.writeError(ctx, apierr.New(apierr.KindInvalidRequest, "field 'model' is required").WithParam("model"))
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	result, err := s.pipeline.ChatCompletion(ctx, pipeline.ChatRequest{
		TenantID:    tenantID,
		BearerToken: bearer,
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	if req.Stream && result.Response.Stream != nil {
		writeChatSSE(ctx, result.Response)
		return
	}

	out := outboundChatResponse{
		ID:      result.Response.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Response.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: result.Response.Content},
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     result.Response.Usage.InputTokens,
			CompletionTokens: result.Response.Usage.OutputTokens,
			TotalTokens:      result.Response.Usage.InputTokens + result.Response.Usage.OutputTokens,
		},
	}
	s.writeJSON(ctx, fasthttp.StatusOK, out)
}

// writeChatSSE streams response chunks as OpenAI-format Server-Sent Events.
func writeChatSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // guard against a client disconnect mid-stream

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)
			delta := map[string]any{
				"id":      "chatcmpl-" + resp.ID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   resp.Model,
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]string{"content": chunk.Content},
					"finish_reason": func() any {
						if chunk.FinishReason != "" {
							return chunk.FinishReason
						}
						return nil
					}(),
				}},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}
