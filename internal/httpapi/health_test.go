package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/catalog"
)

func TestHandleHealth_ReportsProviderStatuses(t *testing.T) {
	prov := &fakeProvider{name: "prov-1"}
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, prov)
	t.Cleanup(s.Close)

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var snap healthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("status = %q, want ok", snap.Status)
	}
	if snap.Providers["prov-1"] != "ok" {
		t.Errorf("providers[prov-1] = %q, want ok", snap.Providers["prov-1"])
	}
}

func TestHandleHealth_DegradedProviderMarksOverallDegraded(t *testing.T) {
	prov := &fakeProvider{name: "prov-1", healthErr: errors.New("boom")}
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, prov)
	t.Cleanup(s.Close)

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	var snap healthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != "degraded" {
		t.Errorf("status = %q, want degraded", snap.Status)
	}
}

func TestHandleReadiness_OKWithNoHealthMonitor(t *testing.T) {
	prov := &fakeProvider{name: "prov-1"}
	s := newTestServer(t, catalog.Capabilities{Chat: true}, &catalog.ModelCost{ID: "m1"}, prov)
	t.Cleanup(s.Close)

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestProviderProbe_CloseStopsBackgroundLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newProviderProbe(ctx, nil)

	done := make(chan struct{})
	go func() {
		p.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close() did not return")
	}
}
