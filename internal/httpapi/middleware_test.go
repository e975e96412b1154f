package httpapi

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecovery_CatchesPanicAsInternalError(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestRecovery_PassesThroughOnNoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen = requestIDFrom(ctx)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" {
		t.Error("expected a generated request id")
	}
	if string(ctx.Response.Header.Peek("X-Request-ID")) != seen {
		t.Error("response header should echo the generated request id")
	}
}

func TestRequestID_PreservesClientSupplied(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-provided")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-provided" {
		t.Errorf("X-Request-ID = %q, want client-provided", got)
	}
}

func TestCorsHandler_PreflightGetsNoContent(t *testing.T) {
	handler := corsHandler([]string{"https://example.com"})(func(ctx *fasthttp.RequestCtx) {
		t.Error("next handler should not run for OPTIONS preflight")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
}

func TestSecurityHeaders_SetOnResponse(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Content-Type-Options")) != "nosniff" {
		t.Error("missing X-Content-Type-Options header")
	}
}

func TestAdminAuth_DisabledWhenKeyEmpty(t *testing.T) {
	called := false
	handler := adminAuth("")(func(ctx *fasthttp.RequestCtx) { called = true })

	handler(&fasthttp.RequestCtx{})

	if !called {
		t.Error("expected next handler to run when no admin key is configured")
	}
}

func TestAdminAuth_RejectsMissingOrWrongKey(t *testing.T) {
	handler := adminAuth("secret")(func(ctx *fasthttp.RequestCtx) {
		t.Error("next handler should not run without a matching X-API-Key")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestAdminAuth_AllowsMatchingKey(t *testing.T) {
	called := false
	handler := adminAuth("secret")(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-API-Key", "secret")
	handler(ctx)

	if !called {
		t.Error("expected next handler to run with a matching X-API-Key")
	}
}

func TestApplyMiddleware_RunsInLeftToRightOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("first"), mw("second"))

	handler(&fasthttp.RequestCtx{})

	want := []string{"first", "second", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}
