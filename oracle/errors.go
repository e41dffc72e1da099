package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OracleError is the base error type of the package.
type OracleError struct {
	Message string
	Cause   error
}

func (e *OracleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *OracleError) Unwrap() error {
	return e.Cause
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAccessDenied   ErrorKind = "access_denied"
	KindNotFound       ErrorKind = "not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindContentFilter  ErrorKind = "content_filter"
	KindContextLength  ErrorKind = "context_length"
	KindQuota          ErrorKind = "quota_exceeded"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

var retryableKinds = map[ErrorKind]bool{
	KindRateLimit: true,
	KindServer:    true,
	KindTimeout:   true,
}

// ProviderError is a failure reported by a provider backend.
type ProviderError struct {
	OracleError
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Retryable  bool
	// RetryAfter is the provider's requested back-off, zero if absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s: %s (status=%d, retryable=%v)", e.Provider, e.Kind, e.Message, e.StatusCode, e.Retryable)
}

// NewProviderError builds a ProviderError whose retryability follows kind.
func NewProviderError(kind ErrorKind, provider string, status int, cause error) *ProviderError {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return &ProviderError{
		OracleError: OracleError{Message: msg, Cause: cause},
		Kind:        kind,
		Provider:    provider,
		StatusCode:  status,
		Retryable:   retryableKinds[kind],
	}
}

// NetworkError is a transport failure before any provider response.
type NetworkError struct{ OracleError }

// AbortError reports a request cancelled by its context.
type AbortError struct{ OracleError }

// ConfigurationError reports a client that cannot route a request.
type ConfigurationError struct{ OracleError }

// ErrorFromStatusCode maps an HTTP status to a ProviderError.
func ErrorFromStatusCode(status int, message, provider string, retryAfter time.Duration) *ProviderError {
	kind := KindUnknown
	switch status {
	case 400, 422:
		kind = KindInvalidRequest
	case 401:
		kind = KindAuthentication
	case 402:
		kind = KindQuota
	case 403:
		kind = KindAccessDenied
	case 404:
		kind = KindNotFound
	case 408:
		kind = KindTimeout
	case 413:
		kind = KindContextLength
	case 429:
		kind = KindRateLimit
	case 500, 502, 503, 504:
		kind = KindServer
	}
	pe := NewProviderError(kind, provider, status, nil)
	pe.Message = message
	pe.RetryAfter = retryAfter
	return pe
}

// IsRetryable reports whether err is a transport-level failure that may be
// retried. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ne *NetworkError
	return errors.As(err, &ne)
}
