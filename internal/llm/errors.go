package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes why a provider request failed. The retry/fallback
// wrapper and the orchestrator branch on kinds, never on vendor types.
type ErrorKind string

const (
	// KindAuthentication indicates a rejected credential (HTTP 401, 403).
	KindAuthentication ErrorKind = "authentication"

	// KindRateLimit indicates quota exhaustion (HTTP 429).
	KindRateLimit ErrorKind = "rate_limit"

	// KindModelNotFound indicates an unknown model id.
	KindModelNotFound ErrorKind = "model_not_found"

	// KindContextLength indicates the input exceeds the model limit.
	KindContextLength ErrorKind = "context_length"

	// KindInvalidRequest indicates a malformed request, including empty
	// user input caught preflight.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindConnection indicates a transport failure.
	KindConnection ErrorKind = "connection"

	// KindTimeout indicates the vendor call timed out.
	KindTimeout ErrorKind = "timeout"

	// KindServiceUnavailable indicates a 5xx or provider overload.
	KindServiceUnavailable ErrorKind = "service_unavailable"

	// KindEmptyResponse indicates the vendor returned neither content nor
	// tool calls.
	KindEmptyResponse ErrorKind = "empty_response"

	// KindStructuredOutput indicates the validation-retry loop was
	// exhausted.
	KindStructuredOutput ErrorKind = "structured_output"

	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = "unknown"
)

// IsRetriable reports whether retrying the same model may succeed.
// KindInvalidRequest is excluded here; RetryClient optionally treats it as
// retriable via RetryConfig.RetryInvalidRequests because some proxies return
// transient 400s.
func (k ErrorKind) IsRetriable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindConnection, KindServiceUnavailable,
		KindEmptyResponse:
		return true
	default:
		return false
	}
}

// ProviderError is the typed error every provider client returns. It
// captures the context needed for retry decisions and debugging, and wraps
// the vendor error without surfacing vendor types through the public API.
type ProviderError struct {
	Kind      ErrorKind
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying vendor error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with provider context, classifying its kind
// from the error text when no better signal is available.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = ClassifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies the kind from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if kind := classifyStatusCode(status); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithCode records the provider-specific error code, reclassifying when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if kind := classifyErrorCode(code); kind != KindUnknown {
		e.Kind = kind
	}
	return e
}

// WithRequestID records the provider's request id for debugging.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the error's kind, classifying raw errors heuristically.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind
	}
	return ClassifyError(err)
}

// IsRetriable reports whether an error is worth retrying on the same model.
func IsRetriable(err error) bool {
	return KindOf(err).IsRetriable()
}

// ClassifyError inspects an error's text and returns the matching kind.
// Used for raw SDK errors that expose no structured status.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "context deadline"):
		return KindTimeout

	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "resource exhausted"),
		strings.Contains(s, "429"):
		return KindRateLimit

	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return KindAuthentication

	case strings.Contains(s, "context length"),
		strings.Contains(s, "context_length"),
		strings.Contains(s, "maximum context"),
		strings.Contains(s, "token limit"):
		return KindContextLength

	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"):
		return KindModelNotFound

	case strings.Contains(s, "connection reset"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "broken pipe"):
		return KindConnection

	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "bad gateway"),
		strings.Contains(s, "service unavailable"),
		strings.Contains(s, "overloaded"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "504"):
		return KindServiceUnavailable

	case strings.Contains(s, "invalid request"),
		strings.Contains(s, "invalid_request"),
		strings.Contains(s, "bad request"),
		strings.Contains(s, "400"):
		return KindInvalidRequest
	}

	return KindUnknown
}

func classifyStatusCode(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestEntityTooLarge:
		return KindContextLength
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServiceUnavailable
	default:
		return KindUnknown
	}
}

func classifyErrorCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return KindRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuthentication
	case "model_not_found", "model_not_available", "not_found_error":
		return KindModelNotFound
	case "context_length_exceeded", "max_tokens_exceeded":
		return KindContextLength
	case "invalid_request_error":
		return KindInvalidRequest
	case "overloaded_error", "server_error", "internal_error", "api_error":
		return KindServiceUnavailable
	case "timeout_error":
		return KindTimeout
	default:
		return KindUnknown
	}
}

// StructuredOutputError reports an exhausted validation-retry loop. It
// carries the last raw model response and the last validation failure so
// callers can log or surface them.
type StructuredOutputError struct {
	Provider     string
	Model        string
	Attempts     int
	LastResponse string
	LastErr      error
}

// Error implements the error interface.
func (e *StructuredOutputError) Error() string {
	return fmt.Sprintf("[%s] %s model=%s structured output failed after %d attempts: %v",
		KindStructuredOutput, e.Provider, e.Model, e.Attempts, e.LastErr)
}

// Unwrap returns the final validation or provider error.
func (e *StructuredOutputError) Unwrap() error {
	return e.LastErr
}
