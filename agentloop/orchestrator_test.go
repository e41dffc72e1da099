package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/oracle"
)

func TestRun_FinalAnswer(t *testing.T) {
	o := replies(final("hello"))
	orch, _ := newOrch(t, o, testConfig(), []Unit{NewPromptUnit("persona", "Be brief.")})

	res, err := orch.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 10, res.TokensUsed)
	assert.Equal(t, PhaseDone, orch.Phase())

	reqs := o.requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].System, "Be brief."))
	assert.Contains(t, reqs[0].System, "# Artifacts")
	assert.Equal(t, []oracle.Message{oracle.UserMessage("hi")}, reqs[0].Transcript)
}

func TestRun_CompactsLargeOutput(t *testing.T) {
	payload := bigOutput(400)
	o := replies(
		calls(call("c1", "dump", `{}`)),
		final("summarized"),
	)
	orch, store := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{tool("dump", echo(payload))}),
	})

	_, err := orch.Run(context.Background(), "dump it")
	require.NoError(t, err)

	out := outcomeByID(lastResults(t, orch), "c1")
	require.True(t, out.Entry.Compacted())
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Less(t, len(out.Entry.Content), len(payload))

	stored, err := store.Get(out.Entry.Pointer.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, string(stored))

	reqs := o.requests()
	msgs := toolMessages(reqs[1])
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, out.Entry.Pointer.ID)
	assert.NotContains(t, msgs[0].Text, payload)
}

func TestRun_CompactionRecordsCallURL(t *testing.T) {
	o := replies(
		calls(call("c1", "fetch", `{"url":"https://status.example.com/incidents"}`)),
		final("read it"),
	)
	orch, store := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{tool("fetch", echo(bigOutput(400)))}),
	})

	_, err := orch.Run(context.Background(), "check status")
	require.NoError(t, err)

	metas, err := store.List(artifact.Filter{SourceURL: "status.example.com"})
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "c1", metas[0].CallID)
	assert.Equal(t, "https://status.example.com/incidents", metas[0].SourceURL)

	assert.Empty(t, argumentURL(json.RawMessage(`{"url":"file:///etc/hosts"}`)))
	assert.Empty(t, argumentURL(json.RawMessage(`not json`)))
}

var artifactID = regexp.MustCompile(`art_[0-9a-f]{24}`)

func TestRun_ReadArtifactPagesCompactedOutput(t *testing.T) {
	payload := bigOutput(400)
	var pointer string
	o := &script{steps: []func(oracle.Request) (*oracle.Response, error){
		func(oracle.Request) (*oracle.Response, error) { return calls(call("c1", "dump", `{}`)), nil },
		func(req oracle.Request) (*oracle.Response, error) {
			pointer = artifactID.FindString(toolMessages(req)[0].Text)
			args, _ := json.Marshal(map[string]any{"artifact_id": pointer, "offset": 10, "limit": 5})
			return calls(call("c2", ToolReadArtifact, string(args))), nil
		},
	}}
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{tool("dump", echo(payload))}),
	})

	_, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)

	out := outcomeByID(lastResults(t, orch), "c2")
	require.Equal(t, OutcomeCompleted, out.Status, out.Entry.Content)
	assert.False(t, out.Entry.Compacted())
	assert.Contains(t, out.Entry.Content, "lines 10-14 of 400")
	assert.Contains(t, out.Entry.Content, "[continue with offset 15]")
}

func TestRun_BlocksOnSensitiveCall(t *testing.T) {
	var executed atomic.Int32
	count := func(out string) ToolExecutor {
		return func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
			executed.Add(1)
			return out, nil
		}
	}
	o := replies(
		calls(
			call("c1", "lookup", `{"q":"a"}`),
			call("c2", "deploy", `{"env":"prod"}`),
			call("c3", "lookup", `{"q":"b"}`),
		),
		final("shipped"),
	)
	pending := make(chan approval.Pending, 4)
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{
			tool("lookup", count("found")),
			sensitive(tool("deploy", count("deployed"))),
		}),
	}, WithApprovalNotifier(func(p approval.Pending) { pending <- p }))

	type result struct {
		res *RunResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := orch.Run(context.Background(), "deploy")
		done <- result{res, err}
	}()

	var p approval.Pending
	select {
	case p = <-pending:
	case <-time.After(5 * time.Second):
		t.Fatal("no approval request")
	}
	assert.Equal(t, "c2", p.Request.CallID)
	assert.Equal(t, "deploy", p.Request.ToolName)

	// Nothing runs while the decision is outstanding.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), executed.Load())
	assert.Equal(t, PhaseAwaitingApproval, orch.Phase())
	select {
	case r := <-done:
		t.Fatalf("run finished before the decision: %+v", r)
	default:
	}

	require.NoError(t, orch.Decide("c2", approval.Approve()))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "shipped", r.res.Text)
	assert.Equal(t, int32(3), executed.Load())

	outs := lastResults(t, orch)
	require.Len(t, outs, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, outs[i].CallID)
		assert.Equal(t, OutcomeCompleted, outs[i].Status)
	}
	assert.ErrorIs(t, orch.Decide("c2", approval.Approve()), approval.ErrUnknownRequest)
}

func TestRun_RejectionIsStructuredAndNotRetried(t *testing.T) {
	var executed atomic.Int32
	o := replies(
		calls(call("c1", "delete_all", `{}`)),
		final("ok, I will not do that"),
	)
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{sensitive(tool("delete_all",
			func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
				executed.Add(1)
				return "gone", nil
			}))}),
	}, WithDecider(approval.DeciderFunc(func(context.Context, approval.Pending) (approval.Decision, error) {
		return approval.Reject("destructive"), nil
	})))

	res, err := orch.Run(context.Background(), "clean up")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(0), executed.Load())

	out := outcomeByID(lastResults(t, orch), "c1")
	assert.Equal(t, OutcomeRejected, out.Status)
	assert.True(t, out.IsError())

	msgs := toolMessages(o.requests()[1])
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsError)
	body := msgs[0].Text[strings.Index(msgs[0].Text, "{"):]
	var rej map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &rej))
	assert.Equal(t, "rejected", rej["status"])
	assert.Equal(t, "destructive", rej["reason"])
	assert.Equal(t, false, rej["retry"])
}

func TestRun_ApproveWithEditUsesEditedArguments(t *testing.T) {
	var seen atomic.Value
	o := replies(calls(call("c1", "send", `{"to":"everyone"}`)), final("sent"))
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{sensitive(tool("send",
			func(_ context.Context, _ ToolCallContext, args json.RawMessage) (string, error) {
				seen.Store(string(args))
				return "ok", nil
			}))}),
	}, WithDecider(approval.DeciderFunc(func(context.Context, approval.Pending) (approval.Decision, error) {
		return approval.ApproveWithEdit(json.RawMessage(`{"to":"team"}`)), nil
	})))

	_, err := orch.Run(context.Background(), "send")
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"team"}`, seen.Load().(string))
}

func TestRun_ToolFailuresBecomeResults(t *testing.T) {
	o := replies(
		calls(
			call("c1", "missing", `{}`),
			call("c2", "broken", `{}`),
			call("c3", "panics", `{}`),
			call("c4", "broken", `not json`),
			call("c2", "broken", `{}`),
		),
		final("recovered"),
	)
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{
			tool("broken", func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
				return "", errors.New("disk full")
			}),
			tool("panics", func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
				panic("boom")
			}),
		}),
	})

	res, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)

	outs := lastResults(t, orch)
	require.Len(t, outs, 5)
	for _, o := range outs {
		assert.Equal(t, OutcomeFailed, o.Status, o.CallID)
	}
	assert.Equal(t, "Unknown tool: missing", outs[0].Entry.Content)
	assert.Equal(t, "Tool error (broken): disk full", outs[1].Entry.Content)
	assert.Contains(t, outs[2].Entry.Content, "tool panicked: boom")
	assert.Contains(t, outs[3].Entry.Content, "not valid JSON")
	assert.Contains(t, outs[4].Entry.Content, "Duplicate tool call id c2")
}

func TestRun_ToolTimeout(t *testing.T) {
	slow := tool("slow", func(ctx context.Context, _ ToolCallContext, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	slow.Definition.Timeout = 20 * time.Millisecond
	o := replies(calls(call("c1", "slow", `{}`)), final("moved on"))
	orch, _ := newOrch(t, o, testConfig(), []Unit{NewToolsetUnit("tools", []RegisteredTool{slow})})

	res, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "moved on", res.Text)

	out := outcomeByID(lastResults(t, orch), "c1")
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Contains(t, out.Entry.Content, "timed out after 20ms")
}

func TestRun_CancelDuringExecution(t *testing.T) {
	payload := bigOutput(400)
	started := make(chan string, 2)
	var written sync.Map
	block := func(ctx context.Context, call ToolCallContext, _ json.RawMessage) (string, error) {
		meta, err := call.Artifacts.Put([]byte("partial progress of "+call.ToolName), artifact.Meta{
			ToolName: call.ToolName, CallID: call.CallID, SessionID: call.SessionID,
		})
		if err != nil {
			return "", err
		}
		written.Store(call.ToolName, meta.ID)
		started <- call.CallID
		<-ctx.Done()
		return "", ctx.Err()
	}
	o := replies(
		calls(call("c1", "dump", `{}`)),
		calls(call("c2", "wait_a", `{}`), call("c3", "wait_b", `{}`)),
	)
	orch, store := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{
			tool("dump", echo(payload)),
			tool("wait_a", block),
			tool("wait_b", block),
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		<-started
		cancel()
	}()

	res, err := orch.Run(ctx, "go")
	assert.Nil(t, res)
	var aerr *AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, PhaseExecuting, aerr.Phase)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseAborted, orch.Phase())

	outs := lastResults(t, orch)
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.Equal(t, OutcomeAborted, out.Status)
	}

	var first ToolOutcome
	for _, turn := range orch.Transcript() {
		if turn.Kind == TurnToolResults {
			first = turn.ToolResults.Outcomes[0]
			break
		}
	}
	require.True(t, first.Entry.Compacted())
	stored, err := store.Get(first.Entry.Pointer.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, string(stored))

	for _, name := range []string{"wait_a", "wait_b"} {
		id, ok := written.Load(name)
		require.True(t, ok, name)
		data, err := store.Get(id.(string))
		require.NoError(t, err, name)
		assert.Equal(t, "partial progress of "+name, string(data))
	}
}

func TestRun_CancelWhileAwaitingApproval(t *testing.T) {
	var executed atomic.Int32
	o := replies(calls(call("c1", "deploy", `{}`), call("c2", "lookup", `{}`)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{
			sensitive(tool("deploy", func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
				executed.Add(1)
				return "", nil
			})),
			tool("lookup", func(context.Context, ToolCallContext, json.RawMessage) (string, error) {
				executed.Add(1)
				return "", nil
			}),
		}),
	}, WithApprovalNotifier(func(approval.Pending) { cancel() }))

	_, err := orch.Run(ctx, "go")
	var aerr *AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, PhaseAwaitingApproval, aerr.Phase)
	assert.Equal(t, int32(0), executed.Load())
	for _, out := range lastResults(t, orch) {
		assert.Equal(t, OutcomeAborted, out.Status)
	}
}

func TestRun_OracleFailureAborts(t *testing.T) {
	o := &script{steps: []func(oracle.Request) (*oracle.Response, error){
		func(oracle.Request) (*oracle.Response, error) { return nil, errors.New("provider down") },
	}}
	orch, _ := newOrch(t, o, testConfig(), nil)

	_, err := orch.Run(context.Background(), "hi")
	var aerr *AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, PhaseAwaitingOracle, aerr.Phase)
	assert.Contains(t, err.Error(), "provider down")
}

func TestRun_TurnLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 2
	cfg.EnableLoopDetection = false
	o := replies(
		&oracle.Response{Text: "looking", ToolCalls: []oracle.ToolCall{call("c1", "lookup", `{}`)}},
		calls(call("c2", "lookup", `{}`)),
		final("never"),
	)
	orch, _ := newOrch(t, o, cfg, []Unit{NewToolsetUnit("tools", []RegisteredTool{tool("lookup", echo("x"))})})

	res, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, StatusTurnLimit, res.Status)
	assert.Equal(t, "looking", res.Text)
	assert.Len(t, o.requests(), 2)
}

func TestRun_RootBudgetExhaustionAborts(t *testing.T) {
	cfg := testConfig()
	cfg.TokenBudget = 15
	o := replies(calls(call("c1", "lookup", `{}`)), calls(call("c2", "lookup", `{}`)))
	orch, _ := newOrch(t, o, cfg, []Unit{NewToolsetUnit("tools", []RegisteredTool{tool("lookup", echo("x"))})})

	_, err := orch.Run(context.Background(), "go")
	var berr *BudgetExceededError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 20, berr.Used)
	assert.Equal(t, 15, berr.Limit)
	var aerr *AbortedError
	require.ErrorAs(t, err, &aerr)
	used, limit := orch.Budget()
	assert.Equal(t, 20, used)
	assert.Equal(t, 15, limit)
}

func TestRun_LoopDetectionSteers(t *testing.T) {
	cfg := testConfig()
	cfg.LoopDetectionWindow = 2
	o := replies(
		calls(call("c1", "lookup", `{"q":"same"}`)),
		calls(call("c2", "lookup", `{"q":"same"}`)),
		final("stopped"),
	)
	orch, _ := newOrch(t, o, cfg, []Unit{NewToolsetUnit("tools", []RegisteredTool{tool("lookup", echo("x"))})})

	_, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)

	var steering []string
	for _, turn := range orch.Transcript() {
		if turn.Kind == TurnSteering {
			steering = append(steering, turn.Steering.Content)
		}
	}
	require.Len(t, steering, 1)
	assert.Contains(t, steering[0], "Loop detected")
}

func TestRun_BusyAndClosed(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	o := &script{steps: []func(oracle.Request) (*oracle.Response, error){
		func(oracle.Request) (*oracle.Response, error) {
			close(entered)
			<-release
			return final("done"), nil
		},
	}}
	orch, _ := newOrch(t, o, testConfig(), nil)

	errc := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), "first")
		errc <- err
	}()
	<-entered
	_, err := orch.Run(context.Background(), "second")
	assert.ErrorIs(t, err, ErrSessionBusy)
	close(release)
	require.NoError(t, <-errc)

	orch.Close()
	_, err = orch.Run(context.Background(), "third")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRun_PostHookRewritesResult(t *testing.T) {
	hook := func(_ context.Context, _ ToolCallContext, res ToolResult) (ToolResult, error) {
		res.Output = strings.ToUpper(res.Output)
		return res, nil
	}
	o := replies(calls(call("c1", "lookup", `{}`)), final("ok"))
	orch, _ := newOrch(t, o, testConfig(), []Unit{
		NewToolsetUnit("tools", []RegisteredTool{tool("lookup", echo("quiet"))}, WithPostHook(hook)),
	})

	_, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "QUIET", outcomeByID(lastResults(t, orch), "c1").Entry.Content)
}

func TestRun_EmitsEvents(t *testing.T) {
	o := replies(calls(call("c1", "lookup", `{}`)), final("ok"))
	orch, _ := newOrch(t, o, testConfig(), []Unit{NewToolsetUnit("tools", []RegisteredTool{tool("lookup", echo("x"))})})

	_, err := orch.Run(context.Background(), "go")
	require.NoError(t, err)
	orch.Close()

	kinds := make(map[EventKind]int)
	for ev := range orch.Events() {
		kinds[ev.Kind]++
		assert.Equal(t, orch.ID(), ev.SessionID)
	}
	assert.Equal(t, 1, kinds[EventSessionStart])
	assert.Equal(t, 1, kinds[EventToolCallStart])
	assert.Equal(t, 1, kinds[EventToolCallEnd])
	assert.Equal(t, 2, kinds[EventAssistantResponse])
	assert.Equal(t, 1, kinds[EventSessionEnd])
}

func TestNew_RequiresOracleAndStore(t *testing.T) {
	_, err := New(nil, nil, testConfig(), nil)
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 2)

	cfg := testConfig()
	cfg.MaxTurns = 0
	_, err = New(replies(), nil, cfg, nil)
	require.ErrorAs(t, err, &cerr)
}
