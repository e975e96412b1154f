package httpapi

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestTenantIDFrom_DefaultsWhenHeaderAbsent(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	if got := tenantIDFrom(ctx); got != defaultTenantID {
		t.Errorf("tenantIDFrom() = %q, want %q", got, defaultTenantID)
	}
}

func TestTenantIDFrom_UsesHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Tenant-ID", "acme")
	if got := tenantIDFrom(ctx); got != "acme" {
		t.Errorf("tenantIDFrom() = %q, want acme", got)
	}
}

func TestBearerTokenFrom_ParsesAuthorizationHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-abc123")
	if got := bearerTokenFrom(ctx); got != "sk-abc123" {
		t.Errorf("bearerTokenFrom() = %q, want sk-abc123", got)
	}
}

func TestBearerTokenFrom_EmptyWithoutHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	if got := bearerTokenFrom(ctx); got != "" {
		t.Errorf("bearerTokenFrom() = %q, want empty", got)
	}
}

func TestRateLimitKeyFrom_AnonymousWhenNoBearer(t *testing.T) {
	if got := rateLimitKeyFrom(""); got != "anonymous" {
		t.Errorf("rateLimitKeyFrom(\"\") = %q, want anonymous", got)
	}
}

func TestRateLimitKeyFrom_StableHashPerToken(t *testing.T) {
	a := rateLimitKeyFrom("sk-test")
	b := rateLimitKeyFrom("sk-test")
	if a != b {
		t.Errorf("rateLimitKeyFrom not stable: %q != %q", a, b)
	}
	if a == "anonymous" {
		t.Error("rateLimitKeyFrom should not collapse a real token to anonymous")
	}
}
