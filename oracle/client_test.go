package oracle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type mockAdapter struct {
	name  string
	text  string
	errs  []error
	calls atomic.Int32
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	n := int(m.calls.Add(1))
	if n <= len(m.errs) && m.errs[n-1] != nil {
		return nil, m.errs[n-1]
	}
	return &Response{ID: "r", Provider: m.name, Text: m.text, FinishReason: FinishStop}, nil
}

func TestClientInvoke(t *testing.T) {
	mock := &mockAdapter{name: "test", text: "Hello!"}
	client := NewClient(WithProvider("test", mock))

	resp, err := client.Invoke(context.Background(), Request{Transcript: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello!" {
		t.Errorf("expected %q, got %q", "Hello!", resp.Text)
	}
	if !resp.IsFinal() {
		t.Error("expected a text-only response to be final")
	}
}

func TestClientProviderRouting(t *testing.T) {
	client := NewClient(
		WithProvider("openai", &mockAdapter{name: "openai", text: "from openai"}),
		WithProvider("anthropic", &mockAdapter{name: "anthropic", text: "from anthropic"}),
		WithDefaultProvider("openai"),
	)

	resp, err := client.Invoke(context.Background(), Request{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "from anthropic" {
		t.Errorf("expected explicit provider, got %q", resp.Text)
	}

	resp, err = client.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "from openai" {
		t.Errorf("expected default provider, got %q", resp.Text)
	}
}

func TestClientNoProvider(t *testing.T) {
	_, err := NewClient().Invoke(context.Background(), Request{})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}

	client := NewClient(WithProvider("a", &mockAdapter{name: "a"}))
	_, err = client.Invoke(context.Background(), Request{Provider: "b"})
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError for unknown provider, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []int
	mw := func(id int) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, id)
			resp, err := next(ctx, req)
			order = append(order, -id)
			return resp, err
		}
	}
	client := NewClient(WithProvider("test", &mockAdapter{name: "test"}), WithMiddleware(mw(1), mw(2)))

	if _, err := client.Invoke(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientRetriesTransportErrors(t *testing.T) {
	mock := &mockAdapter{name: "test", text: "ok", errs: []error{
		NewProviderError(KindServer, "test", 503, nil),
		&NetworkError{OracleError{Message: "reset"}},
	}}
	var retries []int
	policy := fastPolicy(3)
	policy.OnRetry = func(err error, attempt int, delay time.Duration) { retries = append(retries, attempt) }
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(policy))

	resp, err := client.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("expected ok, got %q", resp.Text)
	}
	if got := mock.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("expected retry hooks for attempts 1 and 2, got %v", retries)
	}
}

func TestClientDoesNotRetryInvalidRequest(t *testing.T) {
	mock := &mockAdapter{name: "test", errs: []error{NewProviderError(KindInvalidRequest, "test", 400, nil)}}
	client := NewClient(WithProvider("test", mock), WithRetryPolicy(fastPolicy(3)))

	if _, err := client.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if got := mock.calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestClientRateLimitHonoursContext(t *testing.T) {
	client := NewClient(WithProvider("test", &mockAdapter{name: "test"}), WithRateLimit(0.001, 1))

	if _, err := client.Invoke(context.Background(), Request{}); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Invoke(ctx, Request{})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError while waiting on the limiter, got %v", err)
	}
}

func TestFuncOracle(t *testing.T) {
	var o Oracle = Func(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{ToolCalls: []ToolCall{{ID: "c1", Name: "search"}}}, nil
	})
	resp, err := o.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.IsFinal() {
		t.Error("expected a tool-call response not to be final")
	}
	msg := resp.Message()
	if msg.Role != RoleAssistant || len(msg.ToolCalls) != 1 {
		t.Errorf("unexpected transcript message: %+v", msg)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}.Add(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	if u.InputTokens != 11 || u.OutputTokens != 22 || u.TotalTokens != 33 {
		t.Errorf("unexpected sum: %+v", u)
	}
}
