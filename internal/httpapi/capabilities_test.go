package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/capability"
	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

func newCapabilityTestServer(t *testing.T) *Server {
	t.Helper()
	store := catalog.NewMemoryStore()
	store.RegisterProvider(catalog.Provider{ID: "prov-1", Type: catalog.ProviderGroq, Enabled: true})
	store.RegisterMapping(catalog.ModelMapping{
		ID: "m1", TenantID: "t1", Alias: "alias1", ProviderID: "prov-1",
		ProviderModelID: "provider-model-1",
		Capabilities:    catalog.Capabilities{Chat: true, Vision: true, Streaming: true},
		Priority:        10, Enabled: true,
	}, nil)

	mgr := cache.NewManager(cache.NewMemoryCache(context.Background()), nil, nil, nil, nil)
	caps := capability.New(store, mgr)

	srv := newTestServer(t, catalog.Capabilities{Chat: true}, nil, &fakeProvider{name: "prov-1"})
	srv.capabilities = caps
	return srv
}

func TestHandleModelCapabilities_ReturnsKnownModel(t *testing.T) {
	srv := newCapabilityTestServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/models/capabilities?provider=prov-1&model=provider-model-1")
	srv.handleModelCapabilities(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out outboundCapabilities
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !out.SupportsVision || !out.SupportsStreaming {
		t.Errorf("expected vision+streaming support, got %+v", out)
	}
}

func TestHandleModelCapabilities_UnknownModelIsNotFound(t *testing.T) {
	srv := newCapabilityTestServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/models/capabilities?provider=prov-1&model=nonexistent")
	srv.handleModelCapabilities(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestHandleModelCapabilities_MissingParamsIsBadRequest(t *testing.T) {
	srv := newCapabilityTestServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/v1/models/capabilities")
	srv.handleModelCapabilities(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}
