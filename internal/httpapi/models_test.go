package httpapi

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

func TestHandleListModels_ListsConfiguredAliases(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Tenant-ID", "t1")

	s.handleListModels(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var out outboundModelList
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "alias1" {
		t.Errorf("data = %+v, want one model with id alias1", out.Data)
	}
}

func TestHandleListModels_UnknownTenantIsEmpty(t *testing.T) {
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, &fakeProvider{name: "prov-1"})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Tenant-ID", "no-such-tenant")

	s.handleListModels(ctx)

	var out outboundModelList
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 0 {
		t.Errorf("data = %+v, want empty", out.Data)
	}
}
