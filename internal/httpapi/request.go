package httpapi

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/vkey"
)

// defaultTenantID is used when a caller supplies no X-Tenant-ID header,
// letting a single-tenant quick-start deployment skip the header entirely.
const defaultTenantID = "default"

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

func tenantIDFrom(ctx *fasthttp.RequestCtx) string {
	id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Tenant-ID")))
	if id == "" {
		return defaultTenantID
	}
	return id
}

// bearerTokenFrom extracts the raw token from an "Authorization: Bearer ..."
// header. Returns "" if the header is absent or malformed.
func bearerTokenFrom(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimitKeyFrom derives a stable per-caller identifier for the rate
// limiter from the bearer token, without requiring the virtual key to
// already be resolved (authentication happens downstream, inside the
// pipeline).
func rateLimitKeyFrom(bearer string) string {
	if bearer == "" {
		return "anonymous"
	}
	return vkey.HashToken(bearer)
}
