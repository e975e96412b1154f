package providers

import (
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Classify turns a raw provider HTTP status and error body into the
// abstract apierr.Kind every other component reasons about, refining the
// generic status-code mapping with message-phrase rules for the cases a
// status code alone can't distinguish (e.g. a 400 that actually means "out
// of credit" vs. a genuinely malformed request).
func Classify(statusCode int, body string) *apierr.Error {
	lower := strings.ToLower(body)

	switch {
	case containsAny(lower, "insufficient_quota", "insufficient quota", "billing", "payment required", "credit balance", "out of credits"):
		return apierr.New(apierr.KindInsufficientBalance, body)
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "quota exceeded"):
		return apierr.New(apierr.KindRateLimitExceeded, body)
	case containsAny(lower, "model not found", "model_not_found", "does not exist", "no such model", "unknown model"):
		return apierr.New(apierr.KindModelNotFound, body)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apierr.New(apierr.KindUnauthenticated, body)
	case http.StatusNotFound:
		return apierr.New(apierr.KindModelNotFound, body)
	case http.StatusTooManyRequests:
		return apierr.New(apierr.KindRateLimitExceeded, body)
	case http.StatusRequestEntityTooLarge:
		return apierr.New(apierr.KindPayloadTooLarge, body)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apierr.New(apierr.KindInvalidRequest, body)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return apierr.New(apierr.KindTimeout, body)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return apierr.New(apierr.KindProviderUnavailable, body)
	}
	if statusCode >= 500 {
		return apierr.New(apierr.KindProviderCommunication, body)
	}
	return apierr.New(apierr.KindProviderCommunication, body)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
