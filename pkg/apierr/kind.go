package apierr

import "fmt"

// Kind is the abstract error classification every component returns
// instead of throwing. The error mapper (FromKind) is the single place
// a Kind is turned into an HTTP status and OpenAI-shaped envelope.
type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindModelNotAllowed      Kind = "model_not_allowed"
	KindModelNotFound        Kind = "model_not_found"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindInvalidRequest       Kind = "invalid_request"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindProviderCommunication Kind = "provider_communication"
	KindConfigurationError   Kind = "configuration_error"
	KindNotImplemented       Kind = "not_implemented"
	KindUnexpected           Kind = "unexpected"
)

// Retryable reports whether the pipeline may retry/fail over on this kind,
// so callers can distinguish retryable from terminal failures.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimitExceeded, KindProviderUnavailable, KindTimeout, KindProviderCommunication, KindModelNotFound:
		return true
	default:
		return false
	}
}

// Error is the typed error every component constructs and that flows,
// unwrapped along the way only for logging, into FromKind.
type Error struct {
	Kind        Kind
	Message     string
	Param       string        // optional offending field name
	RetryAfter  int           // seconds; 0 = unset
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a Kind error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a Kind error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a Kind error that carries a lower-level cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithParam annotates the error with the offending request field.
func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

// WithRetryAfter annotates the error with a Retry-After hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}
