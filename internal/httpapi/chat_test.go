package httpapi

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/shopspring/decimal"
)

func TestHandleChatCompletions_HappyPath(t *testing.T) {
	prov := &fakeProvider{name: "prov-1", chatResp: &providers.ProxyResponse{
		ID: "resp-1", Model: "provider-model-1", Content: "hi there",
		Usage: providers.Usage{InputTokens: 3, OutputTokens: 2},
	}}
	cost := &catalog.ModelCost{ID: "m1", InputCostPerM: decimal.NewFromFloat(1), OutputCostPerM: decimal.NewFromFloat(1)}
	s := newTestServer(t, catalog.Capabilities{Chat: true}, cost, prov)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-test")
	ctx.Request.Header.Set("X-Tenant-ID", "t1")
	ctx.Request.SetBody([]byte(`{"model":"alias1","messages":[{"role":"user","content":"hi"}]}`))

	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out outboundChatResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 5 {
		t.Errorf("total_tokens = %d, want 5", out.Usage.TotalTokens)
	}
}

func TestHandleChatCompletions_MissingModel(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-test")
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))

	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHandleChatCompletions_InvalidJSON(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{not json`))

	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHandleChatCompletions_UnknownModelIsNotFound(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-test")
	ctx.Request.SetBody([]byte(`{"model":"does-not-exist","messages":[{"role":"user","content":"hi"}]}`))

	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}
