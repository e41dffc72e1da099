// Package oracle is the harness's view of the reasoning model: a single
// Invoke call that takes the assembled system prompt, the visible tool
// schemas and the transcript, and returns either a final answer or a batch
// of tool calls.
//
// # Client
//
// Client routes requests to registered ProviderAdapters, applies
// middleware, waits on an optional rate limiter and retries
// transport-level failures under a RetryPolicy:
//
//	adapter, _ := oracle.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := oracle.NewClient(
//	    oracle.WithProvider("anthropic", adapter),
//	    oracle.WithRetryPolicy(oracle.DefaultRetryPolicy()),
//	    oracle.WithRateLimit(2, 4),
//	)
//	resp, err := client.Invoke(ctx, oracle.Request{
//	    System:     "You are a careful assistant.",
//	    Transcript: []oracle.Message{oracle.UserMessage("List the open issues")},
//	})
//
// # Errors
//
// Provider failures are *ProviderError values carrying an ErrorKind.
// IsRetryable decides what the retry loop may repeat; authentication,
// invalid requests, content filtering and context overflows are never
// retried.
//
// # Testing
//
// Func adapts a plain function to Oracle, which is how the agentloop tests
// script model behaviour without a network.
package oracle
