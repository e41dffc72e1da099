package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{400, KindInvalidRequest, false},
		{401, KindAuthentication, false},
		{402, KindQuota, false},
		{403, KindAccessDenied, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{413, KindContextLength, false},
		{422, KindInvalidRequest, false},
		{429, KindRateLimit, true},
		{500, KindServer, true},
		{503, KindServer, true},
		{418, KindUnknown, false},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", 0)
		if err.Kind != tt.kind {
			t.Errorf("status %d: expected kind %q, got %q", tt.status, tt.kind, err.Kind)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
		if err.Message != "test error" {
			t.Errorf("status %d: expected message to be kept, got %q", tt.status, err.Message)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth", NewProviderError(KindAuthentication, "p", 401, nil), false},
		{"content filter", NewProviderError(KindContentFilter, "p", 0, nil), false},
		{"rate limit", NewProviderError(KindRateLimit, "p", 429, nil), true},
		{"server", NewProviderError(KindServer, "p", 500, nil), true},
		{"wrapped server", fmt.Errorf("turn 3: %w", NewProviderError(KindServer, "p", 500, nil)), true},
		{"network", &NetworkError{OracleError{Message: "reset"}}, true},
		{"abort", &AbortError{OracleError{Message: "cancelled"}}, false},
		{"configuration", &ConfigurationError{OracleError{Message: "no provider"}}, false},
		{"context cancelled", context.Canceled, false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.retryable, got)
		}
	}
}

func TestOracleErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewProviderError(KindServer, "openai", 500, cause)
	if !errors.Is(err, cause) {
		t.Error("expected provider error to unwrap to its cause")
	}
	if err.RetryAfter != 0 {
		t.Errorf("expected no retry-after, got %v", err.RetryAfter)
	}

	withAfter := ErrorFromStatusCode(429, "slow down", "openai", 2*time.Second)
	if withAfter.RetryAfter != 2*time.Second {
		t.Errorf("expected retry-after 2s, got %v", withAfter.RetryAfter)
	}
}
