package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/compaction"
	"github.com/AP3X-Dev/AG3NT/oracle"
)

// callSlot tracks one tool call of a turn through routing, approval,
// execution and compaction.
type callSlot struct {
	call   oracle.ToolCall
	tool   *RegisteredTool
	args   json.RawMessage
	gated  bool
	result ToolResult
	status OutcomeStatus
	done   bool
}

func (s *callSlot) settle(status OutcomeStatus, output string) {
	s.status = status
	s.result = ToolResult{
		CallID:   s.call.ID,
		ToolName: s.call.Name,
		Output:   output,
		IsError:  status != OutcomeCompleted,
	}
	s.done = true
}

// processCalls takes the tool calls of one oracle response to terminal
// outcomes, in call order. Rejected requests are answered with a
// structured rejection and never executed. The returned error is always an
// *AbortedError.
func (o *Orchestrator) processCalls(ctx context.Context, turn int, calls []oracle.ToolCall) ([]ToolOutcome, error) {
	o.setPhase(PhaseRouting)
	slots := o.route(calls)

	var reqs []approval.Request
	index := make(map[string]*callSlot, len(slots))
	for _, s := range slots {
		if !s.gated {
			continue
		}
		index[s.call.ID] = s
		reqs = append(reqs, approval.Request{
			CallID:    s.call.ID,
			ToolName:  s.call.Name,
			Arguments: s.args,
			Sensitive: s.tool.Definition.Sensitive,
			Risk:      s.tool.Definition.Risk,
		})
	}

	round, err := o.gate.Open(ctx, turn, reqs)
	if err != nil {
		for _, s := range index {
			s.settle(OutcomeAborted, "[aborted: approval round could not be opened]")
		}
		return o.compactAll(ctx, slots), o.abort(ctx, err)
	}
	defer round.Close()

	if !isClosed(round.Done()) {
		o.setPhase(PhaseAwaitingApproval)
		if err := round.Wait(ctx); err != nil {
			round.AbortOpen()
			for _, s := range index {
				if !s.done {
					s.settle(OutcomeAborted, "[aborted: session cancelled while awaiting approval]")
				}
			}
			return o.compactAll(context.WithoutCancel(ctx), slots), o.abort(ctx, err)
		}
	}

	o.setPhase(PhaseExecuting)
	var runnable []*callSlot
	for _, t := range round.Tickets() {
		s := index[t.Request.CallID]
		o.recordDecision(ctx, t)
		switch {
		case t.State == approval.StateRejected:
			reason := ""
			if t.Decision != nil {
				reason = t.Decision.Reason
			}
			s.settle(OutcomeRejected, renderRejection(newApprovalRejectedError(s.call.ID, s.call.Name, reason)))
		case t.State.Cleared():
			if err := round.Transition(s.call.ID, approval.StateExecuting); err != nil {
				s.settle(OutcomeAborted, "[aborted: "+err.Error()+"]")
				continue
			}
			s.args = t.Arguments
			runnable = append(runnable, s)
		default:
			s.settle(OutcomeAborted, fmt.Sprintf("[aborted: approval ended in state %s]", t.State))
		}
	}

	o.executeAll(ctx, turn, round, runnable)

	if err := ctx.Err(); err != nil {
		round.AbortOpen()
		return o.compactAll(context.WithoutCancel(ctx), slots), o.abort(ctx, err)
	}

	o.setPhase(PhaseCompacting)
	outcomes := o.compactAll(ctx, slots)
	if !round.Settled() {
		ids := round.AbortOpen()
		o.logger.Error(ctx, "approval round left open after execution", fmt.Errorf("%d open requests", len(ids)))
	}
	return outcomes, nil
}

// route resolves each call against the registry. Calls that cannot run are
// settled here as failures; the rest go to the approval gate.
func (o *Orchestrator) route(calls []oracle.ToolCall) []*callSlot {
	slots := make([]*callSlot, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		s := &callSlot{call: call, args: call.Arguments}
		slots[i] = s
		if seen[call.ID] {
			s.settle(OutcomeFailed, fmt.Sprintf("Duplicate tool call id %s in one response; call ignored", call.ID))
			continue
		}
		seen[call.ID] = true

		s.tool = o.chain.registry.Get(call.Name)
		if s.tool == nil {
			s.settle(OutcomeFailed, fmt.Sprintf("Unknown tool: %s", call.Name))
			continue
		}
		if len(s.args) == 0 {
			s.args = json.RawMessage(`{}`)
		}
		if !json.Valid(s.args) {
			s.settle(OutcomeFailed, fmt.Sprintf("Invalid arguments for %s: not valid JSON", call.Name))
			continue
		}
		s.gated = true
	}
	return slots
}

func (o *Orchestrator) recordDecision(ctx context.Context, t approval.Ticket) {
	decision := approval.DecisionAuto
	if t.Decision != nil {
		decision = string(t.Decision.Kind)
		o.emitter.Emit(EventApprovalResolved, map[string]any{
			"call_id":  t.Request.CallID,
			"tool":     t.Request.ToolName,
			"decision": decision,
			"reason":   t.Decision.Reason,
		})
	} else if t.State == approval.StateAborted {
		decision = string(approval.StateAborted)
	}
	o.metrics.RecordApproval(ctx, t.Request.ToolName, decision)
}

// executeAll runs the approved calls in parallel, bounded by
// MaxParallelTools, and joins them.
func (o *Orchestrator) executeAll(ctx context.Context, turn int, round *approval.Round, slots []*callSlot) {
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelTools)
	for _, s := range slots {
		g.Go(func() error {
			o.executeOne(ctx, turn, s)
			if err := round.Transition(s.call.ID, ticketState(s.status)); err != nil {
				o.logger.Debug(ctx, "approval transition refused", zap.String("call_id", s.call.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func ticketState(status OutcomeStatus) approval.State {
	switch status {
	case OutcomeCompleted:
		return approval.StateCompleted
	case OutcomeAborted:
		return approval.StateAborted
	default:
		return approval.StateFailed
	}
}

func (o *Orchestrator) executeOne(ctx context.Context, turn int, s *callSlot) {
	def := s.tool.Definition
	o.emitter.Emit(EventToolCallStart, map[string]any{"call_id": s.call.ID, "tool": def.Name, "turn": turn})

	if ctx.Err() != nil {
		s.settle(OutcomeAborted, "[aborted: session cancelled before the tool started]")
		o.finishTool(ctx, s)
		return
	}

	timeout := o.cfg.ToolTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	// Subagents enforce their own timeout and return a partial result.
	if def.Name == ToolTask && timeout < o.cfg.SubagentTimeout+time.Minute {
		timeout = o.cfg.SubagentTimeout + time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tctx, span := StartSpan(tctx, "agentloop.tool", o.id, o.depth,
		trace.WithAttributes(attribute.String("agentloop.tool", def.Name), attribute.String("agentloop.call_id", s.call.ID)))

	call := ToolCallContext{
		SessionID: o.id,
		Turn:      turn,
		CallID:    s.call.ID,
		ToolName:  def.Name,
		Depth:     o.depth,
		Artifacts: o.store,
		Delegator: o.delegator(),
	}
	start := time.Now()
	out, err := runExecutor(tctx, s.tool.Executor, call, s.args)
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		s.settle(OutcomeAborted, "[aborted: session cancelled while the tool was running]")
		err = ctx.Err()
	case err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
		xerr := executionTimeout(s.call.ID, def.Name, timeout)
		s.settle(OutcomeFailed, xerr.Error())
		err = xerr
	case err != nil:
		xerr := executionFailure(s.call.ID, def.Name, err)
		s.settle(OutcomeFailed, fmt.Sprintf("Tool error (%s): %v", def.Name, err))
		err = xerr
	default:
		s.settle(OutcomeCompleted, out)
	}
	s.result.Duration = elapsed
	endSpan(span, err)

	if s.status != OutcomeAborted {
		s.result = o.runPostHooks(ctx, call, s.result)
	}
	o.finishTool(ctx, s)
}

func (o *Orchestrator) finishTool(ctx context.Context, s *callSlot) {
	o.emitter.Emit(EventToolCallEnd, map[string]any{
		"call_id":     s.call.ID,
		"tool":        s.call.Name,
		"status":      string(s.status),
		"size":        len(s.result.Output),
		"duration_ms": s.result.Duration.Milliseconds(),
	})
	if s.status == OutcomeAborted {
		o.emitter.Emit(EventToolAborted, map[string]any{"call_id": s.call.ID, "tool": s.call.Name})
	}
	o.logger.ToolFinished(ctx, o.id, o.depth, s.call.ID, s.call.Name, s.status, s.result.Duration)
	o.metrics.RecordToolCall(ctx, s.call.Name, s.status, s.result.Duration)
}

// runExecutor calls exec and returns when it does or when ctx ends,
// whichever is first. A panicking executor yields an error.
func runExecutor(ctx context.Context, exec ToolExecutor, call ToolCallContext, args json.RawMessage) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := exec(ctx, call, args)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) runPostHooks(ctx context.Context, call ToolCallContext, res ToolResult) ToolResult {
	for _, hook := range o.chain.hooks {
		next, err := hook(ctx, call, res)
		if err != nil {
			o.logger.Error(ctx, "post hook failed", err, zap.String("call_id", call.CallID), zap.String("tool", call.ToolName))
			continue
		}
		next.CallID, next.ToolName = res.CallID, res.ToolName
		res = next
	}
	return res
}

// compactAll turns every settled slot into its transcript outcome.
func (o *Orchestrator) compactAll(ctx context.Context, slots []*callSlot) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(slots))
	for i, s := range slots {
		if !s.done {
			s.settle(OutcomeAborted, "[aborted]")
		}
		outcomes[i] = o.compact(ctx, s)
	}
	return outcomes
}

func (o *Orchestrator) compact(ctx context.Context, s *callSlot) ToolOutcome {
	entry, err := o.engine.Process(ctx, compaction.Input{
		CallID:    s.result.CallID,
		ToolName:  s.result.ToolName,
		SessionID: o.id,
		Content:   s.result.Output,
		IsError:   s.result.IsError,
		SourceURL: argumentURL(s.args),
	})
	if err != nil {
		o.logger.Error(ctx, "compaction failed, output withheld", err, zap.String("call_id", s.call.ID))
		o.emitter.Emit(EventError, map[string]any{"call_id": s.call.ID, "error": err.Error()})
	}
	if entry.Compacted() {
		o.logger.Compacted(ctx, o.id, o.depth, s.call.ID, entry.Pointer.ID, entry.Size)
		o.metrics.RecordCompaction(ctx, s.call.Name, entry.Size)
		o.emitter.Emit(EventCompacted, map[string]any{
			"call_id":     s.call.ID,
			"tool":        s.call.Name,
			"artifact_id": entry.Pointer.ID,
			"size":        entry.Size,
		})
	}
	return ToolOutcome{
		CallID:   s.call.ID,
		ToolName: s.call.Name,
		Status:   s.status,
		Entry:    entry,
		Duration: s.result.Duration,
	}
}

type rejection struct {
	Status string `json:"status"`
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry"`
}

// renderRejection is what the oracle sees for a rejected call.
func renderRejection(err *ApprovalRejectedError) string {
	b, _ := json.Marshal(rejection{
		Status: "rejected",
		CallID: err.CallID,
		Tool:   err.ToolName,
		Reason: err.Reason,
	})
	return "Tool call rejected by the approval gate: " + string(b)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// argumentURL returns the "url" argument of a call, if it has one. Fetch
// style tools name their source there.
func argumentURL(raw json.RawMessage) string {
	args, err := ParseToolArguments(raw)
	if err != nil {
		return ""
	}
	u, _ := GetStringArg(args, "url")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	return u
}
