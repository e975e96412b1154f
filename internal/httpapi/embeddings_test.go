package httpapi

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func TestHandleEmbeddings_AcceptsStringOrArrayInput(t *testing.T) {
	prov := &fakeProvider{name: "prov-1", embedResp: &providers.EmbeddingResponse{
		Model: "provider-model-1",
		Data:  []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
		Usage: providers.Usage{InputTokens: 4},
	}}
	cost := &catalog.ModelCost{ID: "m1", InputCostPerM: decimal.NewFromFloat(1)}
	s := newTestServer(t, catalog.Capabilities{Embeddings: true}, cost, prov)

	for _, body := range []string{
		`{"model":"alias1","input":"hello"}`,
		`{"model":"alias1","input":["hello"]}`,
	} {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("Authorization", "Bearer sk-test")
		ctx.Request.Header.Set("X-Tenant-ID", "t1")
		ctx.Request.SetBody([]byte(body))

		s.handleEmbeddings(ctx)

		if ctx.Response.StatusCode() != fasthttp.StatusOK {
			t.Fatalf("body=%s status = %d, want 200, resp=%s", body, ctx.Response.StatusCode(), ctx.Response.Body())
		}
		var out outboundEmbeddingResponse
		if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(out.Data) != 1 {
			t.Errorf("data length = %d, want 1", len(out.Data))
		}
	}
}

func TestHandleEmbeddings_EmptyInputRejected(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Embeddings: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-test")
	ctx.Request.SetBody([]byte(`{"model":"alias1","input":""}`))

	s.handleEmbeddings(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}
