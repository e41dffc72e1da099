package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/compaction"
	"github.com/AP3X-Dev/AG3NT/oracle"
	"github.com/AP3X-Dev/AG3NT/secrets"
)

// Phase is the orchestrator's position in the turn cycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAssembling       Phase = "assembling"
	PhaseAwaitingOracle   Phase = "awaiting_oracle"
	PhaseRouting          Phase = "routing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
	PhaseCompacting       Phase = "compacting"
	PhaseDone             Phase = "done"
	PhaseAborted          Phase = "aborted"
)

// RunStatus describes how a Run ended without error.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	// StatusPartial is returned by subagents whose budget ran out before a
	// final answer.
	StatusPartial   RunStatus = "partial"
	StatusTurnLimit RunStatus = "turn_limit"
)

// RunResult is the outcome of one Run.
type RunResult struct {
	SessionID   string
	Status      RunStatus
	Text        string
	Turns       int
	TokensUsed  int
	Usage       oracle.Usage
	Diagnostics []Diagnostic
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	metrics    *Metrics
	sessionID  string
	decider    approval.Decider
	notifier   approval.Notifier
	ledger     *approval.Ledger
	scrubber   secrets.Scrubber
	summarizer compaction.Summarizer
	vars       map[string]string

	depth   int
	forward approval.Notifier
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics records OpenTelemetry metrics.
func WithMetrics(m *Metrics) Option { return func(o *options) { o.metrics = m } }

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option { return func(o *options) { o.sessionID = id } }

// WithDecider sets the collaborator asked for pending approval decisions.
func WithDecider(d approval.Decider) Option { return func(o *options) { o.decider = d } }

// WithApprovalNotifier is called synchronously for every pending request,
// including those raised inside subagents.
func WithApprovalNotifier(n approval.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithLedger records every approval outcome.
func WithLedger(l *approval.Ledger) Option { return func(o *options) { o.ledger = l } }

// WithScrubber redacts secrets from summaries and distilled output.
func WithScrubber(s secrets.Scrubber) Option { return func(o *options) { o.scrubber = s } }

// WithSummarizer replaces the deterministic compaction summarizer.
func WithSummarizer(s compaction.Summarizer) Option { return func(o *options) { o.summarizer = s } }

// WithVars exposes static variables to prompt fragments.
func WithVars(vars map[string]string) Option {
	return func(o *options) {
		o.vars = make(map[string]string, len(vars))
		for k, v := range vars {
			o.vars[k] = v
		}
	}
}

func withDepth(depth int) Option { return func(o *options) { o.depth = depth } }

func withPendingForwarder(f approval.Notifier) Option {
	return func(o *options) { o.forward = f }
}

// Orchestrator drives the turn cycle: assemble the prompt, invoke the
// oracle, gate and execute tool calls, compact their results, repeat.
type Orchestrator struct {
	id     string
	depth  int
	cfg    SessionConfig
	opts   options
	oracle oracle.Oracle
	store  artifact.Store

	chain      *Chain
	gate       *approval.Gate
	engine     *compaction.Engine
	budget     *BudgetTracker
	dispatcher *SubagentDispatcher
	emitter    *EventEmitter
	logger     *Logger
	metrics    *Metrics
	scrubber   secrets.Scrubber

	mu         sync.Mutex
	phase      Phase
	transcript []Turn
	turn       int
	running    bool
	closed     bool
}

// New validates the configuration and builds an orchestrator. Units are
// ordered and checked here; an artifacts unit is added when none is given.
// Any problem is a ConfigurationError and no turn ever runs.
func New(o oracle.Oracle, store artifact.Store, cfg SessionConfig, units []Unit, opts ...Option) (*Orchestrator, error) {
	var problems []string
	if o == nil {
		problems = append(problems, "an oracle is required")
	}
	if store == nil {
		problems = append(problems, "an artifact store is required")
	}
	if len(problems) > 0 {
		return nil, newConfigurationError(problems)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opt options
	for _, fn := range opts {
		fn(&opt)
	}
	if opt.sessionID == "" {
		opt.sessionID = uuid.NewString()
	}
	base := opt.logger
	if base == nil {
		base = zap.NewNop()
	}
	zlog := base.With(zap.String("session_id", opt.sessionID), zap.Int("depth", opt.depth))
	scrubber := secrets.OrNop(opt.scrubber)

	all := append([]Unit(nil), units...)
	if !hasKind(all, UnitArtifacts) {
		all = append(all, NewArtifactsUnit(readLimit(cfg.Compaction)))
	}
	chain, err := NewChain(all...)
	if err != nil {
		return nil, err
	}

	engine, err := compaction.New(store, cfg.Compaction,
		compaction.WithSummarizer(opt.summarizer),
		compaction.WithScrubber(scrubber),
		compaction.WithLogger(zlog),
	)
	if err != nil {
		return nil, newConfigurationError([]string{err.Error()})
	}

	orch := &Orchestrator{
		id:         opt.sessionID,
		depth:      opt.depth,
		cfg:        cfg,
		opts:       opt,
		oracle:     o,
		store:      store,
		chain:      chain,
		engine:     engine,
		emitter:    NewEventEmitter(opt.sessionID, opt.depth, cfg.EventBuffer),
		logger:     NewLogger(base),
		metrics:    opt.metrics,
		scrubber:   scrubber,
		phase:      PhaseIdle,
		transcript: make([]Turn, 0),
	}

	gateOpts := []approval.Option{
		approval.WithNotifier(orch.relayPending),
		approval.WithSessionID(opt.sessionID),
		approval.WithLogger(zlog),
	}
	if opt.decider != nil {
		gateOpts = append(gateOpts, approval.WithDecider(opt.decider))
	}
	if opt.ledger != nil {
		gateOpts = append(gateOpts, approval.WithLedger(opt.ledger))
	}
	orch.gate, err = approval.NewGate(cfg.Approval, gateOpts...)
	if err != nil {
		return nil, newConfigurationError([]string{err.Error()})
	}

	orch.budget = NewBudgetTracker(cfg.TokenBudget, orch.onBudgetEvent)
	if opt.depth < cfg.MaxSubagentDepth {
		orch.dispatcher = newSubagentDispatcher(orch)
	}

	orch.emitter.Emit(EventSessionStart, map[string]any{
		"depth": opt.depth,
		"units": chain.Names(),
		"tools": chain.Registry().Names(),
	})
	return orch, nil
}

func hasKind(units []Unit, kind UnitKind) bool {
	for _, u := range units {
		if u.kind == kind {
			return true
		}
	}
	return false
}

// readLimit keeps read_artifact windows under the compaction threshold.
func readLimit(c compaction.Config) int {
	return c.ThresholdBytes - 256
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.id }

// Depth returns the delegation depth; the root session is 0.
func (o *Orchestrator) Depth() int { return o.depth }

// Chain returns the session's middleware chain.
func (o *Orchestrator) Chain() *Chain { return o.chain }

// Store returns the shared artifact store.
func (o *Orchestrator) Store() artifact.Store { return o.store }

// Dispatcher returns the subagent dispatcher, or nil when the session is at
// the maximum delegation depth.
func (o *Orchestrator) Dispatcher() *SubagentDispatcher { return o.dispatcher }

// Events returns the event channel for the host application.
func (o *Orchestrator) Events() <-chan SessionEvent { return o.emitter.Events() }

// Budget returns the tokens used and the limit (zero when unlimited).
func (o *Orchestrator) Budget() (used, limit int) {
	return o.budget.Used(), o.budget.Limit()
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Transcript returns a copy of the model-visible transcript.
func (o *Orchestrator) Transcript() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Turn(nil), o.transcript...)
}

// Messages returns the transcript as oracle messages.
func (o *Orchestrator) Messages() []oracle.Message {
	return ToMessages(o.Transcript())
}

// Decide resolves a pending approval request. id is the Pending.ID that was
// announced: a bare call id for this session's requests, or a call id
// prefixed with the subagent path ("sub_1/sub_2/c1") for a subagent's.
func (o *Orchestrator) Decide(id string, d approval.Decision) error {
	if taskID, rest, ok := strings.Cut(id, ApprovalIDSeparator); ok {
		if child := o.dispatcher.child(taskID); child != nil {
			return child.Decide(rest, d)
		}
		return fmt.Errorf("%w: %s (no running subagent %s)", approval.ErrUnknownRequest, id, taskID)
	}
	return o.gate.Decide(id, d)
}

// Close ends the session. Running subagents are not waited for; cancel the
// Run context to stop them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.emitter.Emit(EventSessionEnd, map[string]any{"phase": string(o.Phase())})
	if dropped := o.emitter.Close(); dropped != nil {
		o.logger.EventsDropped(context.Background(), o.id, o.depth, dropped)
	}
}

// Run processes one user input through the turn cycle until the oracle gives
// a final answer, the turn limit is reached, or the session aborts. Errors
// other than ErrSessionBusy and ErrSessionClosed are *AbortedError.
func (o *Orchestrator) Run(ctx context.Context, input string) (*RunResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if o.running {
		o.mu.Unlock()
		return nil, ErrSessionBusy
	}
	o.running = true
	o.transcript = append(o.transcript, NewUserTurn(input))
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.emitter.Emit(EventUserInput, map[string]any{"content": input})

	ctx, span := StartSpan(ctx, "agentloop.run", o.id, o.depth)
	res, err := o.loop(ctx, input)
	endSpan(span, err)
	o.metrics.RecordBudget(ctx, o.depth, o.budget.Used(), o.budget.Limit())
	return res, err
}

func (o *Orchestrator) loop(ctx context.Context, input string) (*RunResult, error) {
	res := &RunResult{SessionID: o.id}
	seen := make(map[Diagnostic]bool)

	for {
		if err := ctx.Err(); err != nil {
			return nil, o.abort(ctx, err)
		}
		if o.budget.Exhausted() {
			return o.budgetExceeded(ctx, res)
		}
		if res.Turns >= o.cfg.MaxTurns {
			o.emitter.Emit(EventTurnLimit, map[string]any{"turns": res.Turns})
			o.setPhase(PhaseDone)
			res.Status = StatusTurnLimit
			res.Text = lastAssistantText(o.Transcript())
			res.TokensUsed = o.budget.Used()
			return res, nil
		}

		o.setPhase(PhaseAssembling)
		asm := Assemble(o.chain, o.turnState(input))
		for _, d := range asm.Diagnostics {
			if seen[d] {
				continue
			}
			seen[d] = true
			res.Diagnostics = append(res.Diagnostics, d)
			o.logger.Diagnostic(ctx, o.id, o.depth, d)
			o.emitter.Emit(EventDiagnostic, map[string]any{"code": d.Code, "unit": d.Unit, "message": d.Message})
		}
		req := oracle.Request{
			Model:      o.cfg.Model,
			Provider:   o.cfg.Provider,
			System:     asm.SystemPrompt,
			Tools:      asm.Tools,
			Transcript: o.Messages(),
			Metadata:   map[string]string{"session_id": o.id},
		}
		o.checkContextUsage(req)

		o.setPhase(PhaseAwaitingOracle)
		turn := o.nextTurn()
		resp, err := o.invoke(ctx, req, turn)
		if err != nil {
			return nil, o.abort(ctx, err)
		}
		res.Turns++
		res.Usage = res.Usage.Add(resp.Usage)
		o.metrics.RecordTurn(ctx, o.depth)

		tokens := resp.Usage.TotalTokens
		if tokens <= 0 {
			tokens = oracle.EstimateTokens(req) + EstimateTokens(resp.Text)
		}
		_ = o.budget.Consume(tokens)

		normalizeCallIDs(resp.ToolCalls)
		o.appendTurn(NewAssistantTurn(resp))
		o.emitter.Emit(EventAssistantResponse, map[string]any{
			"turn":          turn,
			"text":          resp.Text,
			"tool_calls":    len(resp.ToolCalls),
			"finish_reason": string(resp.FinishReason),
		})

		if resp.IsFinal() {
			o.setPhase(PhaseDone)
			res.Status = StatusCompleted
			res.Text = resp.Text
			res.TokensUsed = o.budget.Used()
			return res, nil
		}

		outcomes, err := o.processCalls(ctx, turn, resp.ToolCalls)
		o.appendTurn(NewToolResultsTurn(outcomes))
		if err != nil {
			return nil, err
		}

		if o.cfg.EnableLoopDetection && DetectLoop(o.Transcript(), o.cfg.LoopDetectionWindow) {
			warning := loopWarning(o.cfg.LoopDetectionWindow)
			o.appendTurn(NewSteeringTurn(warning))
			o.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
		}
	}
}

func (o *Orchestrator) invoke(ctx context.Context, req oracle.Request, turn int) (*oracle.Response, error) {
	ctx, span := StartSpan(ctx, "agentloop.oracle", o.id, o.depth,
		trace.WithAttributes(attribute.Int("agentloop.turn", turn)))
	o.logger.TurnStarted(ctx, o.id, o.depth, turn, oracle.EstimateTokens(req), len(req.Tools))
	resp, err := o.oracle.Invoke(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("oracle returned no response")
	}
	endSpan(span, err)
	return resp, err
}

func (o *Orchestrator) turnState(input string) TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return TurnState{
		SessionID:   o.id,
		Turn:        o.turn + 1,
		Depth:       o.depth,
		Input:       input,
		Transcript:  append([]Turn(nil), o.transcript...),
		TokensUsed:  o.budget.Used(),
		TokenBudget: o.budget.Limit(),
		Now:         time.Now(),
		Vars:        o.opts.vars,
	}
}

func (o *Orchestrator) nextTurn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turn++
	return o.turn
}

func (o *Orchestrator) appendTurn(t Turn) {
	o.mu.Lock()
	o.transcript = append(o.transcript, t)
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	from := o.phase
	o.phase = p
	o.mu.Unlock()
	if from != p {
		o.emitter.Emit(EventPhaseChanged, map[string]any{"from": string(from), "to": string(p)})
	}
}

// abort moves the session to PhaseAborted and returns the error to surface.
func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	phase := o.Phase()
	err := newAbortedError(phase, cause)
	o.setPhase(PhaseAborted)
	o.logger.Aborted(ctx, o.id, o.depth, phase, cause)
	o.emitter.Emit(EventError, map[string]any{"phase": string(phase), "error": cause.Error()})
	return err
}

// budgetExceeded ends the run once the token budget is spent. Subagents
// return what they have as a partial result; the root session aborts.
func (o *Orchestrator) budgetExceeded(ctx context.Context, res *RunResult) (*RunResult, error) {
	used, limit := o.budget.Used(), o.budget.Limit()
	if o.depth > 0 {
		o.setPhase(PhaseDone)
		res.Status = StatusPartial
		res.Text = lastAssistantText(o.Transcript())
		res.TokensUsed = used
		return res, nil
	}
	return nil, o.abort(ctx, newBudgetExceededError("token", used, limit))
}

func (o *Orchestrator) onBudgetEvent(ev BudgetEvent) {
	ctx := context.Background()
	data := map[string]any{"used": ev.Used, "limit": ev.Limit}
	if ev.Exhausted {
		o.logger.BudgetExhausted(ctx, o.id, o.depth, ev.Used, ev.Limit)
		o.emitter.Emit(EventBudgetExhausted, data)
		return
	}
	o.logger.BudgetWarning(ctx, o.id, o.depth, ev.Used, ev.Limit)
	o.emitter.Emit(EventBudgetWarning, data)
}

// checkContextUsage emits a warning if the request exceeds 80% of the
// context window.
func (o *Orchestrator) checkContextUsage(req oracle.Request) {
	window := o.cfg.ContextWindow
	if window <= 0 {
		return
	}
	tokens := oracle.EstimateTokens(req)
	if float64(tokens) <= float64(window)*0.8 {
		return
	}
	pct := int(float64(tokens) / float64(window) * 100)
	o.emitter.Emit(EventContextWarning, map[string]any{
		"tokens":  tokens,
		"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
	})
}

// relayPending announces a pending request on this session's events and
// passes it up to the parent session, if any. Requests relayed from
// subagents arrive with p.ID already qualified by the subagent path.
func (o *Orchestrator) relayPending(p approval.Pending) {
	data := map[string]any{
		"approval_id": p.ID,
		"call_id":     p.Request.CallID,
		"tool":        p.Request.ToolName,
		"risk":        p.Risk.String(),
		"turn":        p.Turn,
		"sensitive":   p.Request.Sensitive,
		"arguments":   o.scrubber.Scrub(string(p.Request.Arguments)),
	}
	if p.SessionID != o.id {
		data["subagent_id"] = p.SessionID
	}
	o.emitter.Emit(EventApprovalPending, data)
	if o.opts.notifier != nil {
		o.opts.notifier(p)
	}
	if o.opts.forward != nil {
		o.opts.forward(p)
	}
}

func (o *Orchestrator) delegator() Delegator {
	if o.dispatcher == nil {
		return nil
	}
	return o.dispatcher
}

// ApprovalIDSeparator joins subagent ids and the call id in the approval id
// of a request raised inside a subagent.
const ApprovalIDSeparator = "/"

// normalizeCallIDs gives every call without a usable id a synthetic one.
// Ids containing ApprovalIDSeparator would be ambiguous approval handles.
func normalizeCallIDs(calls []oracle.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" || strings.Contains(calls[i].ID, ApprovalIDSeparator) {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
	}
}
