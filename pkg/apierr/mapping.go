package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// mapped is the (status, type, code) triple FromKind resolves to. The one
// context-dependent code is KindInvalidRequest's: FromKind replaces
// invalid_request with invalid_parameter when the error carries a Param.
type mapped struct {
	status int
	typ    string
	code   string
}

var kindTable = map[Kind]mapped{
	KindUnauthenticated:       {fasthttp.StatusUnauthorized, TypeInvalidRequest, "unauthorized"},
	KindModelNotAllowed:       {fasthttp.StatusForbidden, TypeInvalidRequest, "authorization_required"},
	KindModelNotFound:         {fasthttp.StatusNotFound, TypeInvalidRequest, "model_not_found"},
	KindInsufficientBalance:   {fasthttp.StatusForbidden, TypeInvalidRequest, "insufficient_quota"},
	KindInvalidRequest:        {fasthttp.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest},
	KindPayloadTooLarge:       {fasthttp.StatusRequestEntityTooLarge, TypeInvalidRequest, "payload_too_large"},
	KindRateLimitExceeded:     {fasthttp.StatusTooManyRequests, TypeRateLimitError, CodeRateLimitExceeded},
	KindProviderUnavailable:   {fasthttp.StatusServiceUnavailable, "service_unavailable", "service_unavailable"},
	KindTimeout:               {fasthttp.StatusRequestTimeout, "timeout_error", "request_timeout"},
	KindProviderCommunication: {fasthttp.StatusBadGateway, TypeServerError, CodeProviderError},
	KindConfigurationError:    {fasthttp.StatusInternalServerError, TypeServerError, "configuration_error"},
	KindNotImplemented:        {fasthttp.StatusNotImplemented, TypeServerError, CodeNotImplemented},
	KindUnexpected:            {fasthttp.StatusInternalServerError, TypeServerError, CodeInternalError},
}

// FromKind is the single (error) -> (status, envelope) function every
// handler routes through. requestID becomes X-Request-Id; devMode
// includes the underlying cause in the message (never in prod).
func FromKind(ctx *fasthttp.RequestCtx, err *Error, requestID string, devMode bool) {
	m, ok := kindTable[err.Kind]
	if !ok {
		m = kindTable[KindUnexpected]
	}

	code := m.code
	// KindInvalidRequest refines its code from the offending param: a
	// bare InvalidRequest with no param stays a generic invalid_request,
	// one with a param becomes invalid_parameter.
	if err.Kind == KindInvalidRequest && err.Param != "" {
		code = "invalid_parameter"
	}

	message := err.Message
	if devMode && err.Cause != nil {
		message = message + ": " + err.Cause.Error()
	}

	ctx.Response.Header.Set("X-Request-Id", requestID)
	if err.Kind == KindRateLimitExceeded && err.RetryAfter > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}

	ctx.SetStatusCode(m.status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(struct {
		Error struct {
			Message string  `json:"message"`
			Type    string  `json:"type"`
			Code    string  `json:"code"`
			Param   *string `json:"param,omitempty"`
		} `json:"error"`
	}{
		Error: struct {
			Message string  `json:"message"`
			Type    string  `json:"type"`
			Code    string  `json:"code"`
			Param   *string `json:"param,omitempty"`
		}{
			Message: message,
			Type:    m.typ,
			Code:    code,
			Param:   optionalString(err.Param),
		},
	})
	ctx.SetBody(body)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// WriteAdmin writes the plain (non-OpenAI) JSON status envelope used by
// admin/management routes — these are not OpenAI API surface and must
// not be wrapped in the error envelope above.
func WriteAdmin(ctx *fasthttp.RequestCtx, status int, payload any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(payload)
	ctx.SetBody(body)
}
