package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AP3X-Dev/AG3NT/approval"
)

// ToolTask is the name of the delegation tool.
const ToolTask = "task"

// PartialMarker starts the summary of a subagent that stopped before giving
// a final answer.
const PartialMarker = "[partial result]"

// Delegator runs subagent tasks. Tool executors reach it through
// ToolCallContext.
type Delegator interface {
	Delegate(ctx context.Context, task SubagentTask) (DistilledOutput, error)
	DelegateAll(ctx context.Context, tasks []SubagentTask) ([]DistilledOutput, error)
}

// OutputSchema is the distillation contract for a subagent's answer.
type OutputSchema struct {
	// RequiredSections are headings the summary must contain.
	RequiredSections []string `json:"required_sections,omitempty"`
	// MaxOutputTokens bounds the summary returned to the parent.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// SubagentTask is one unit of delegated work.
type SubagentTask struct {
	ID           string        `json:"id,omitempty"`
	Description  string        `json:"description"`
	AllowedTools []string      `json:"allowed_tools,omitempty"`
	TokenBudget  int           `json:"token_budget,omitempty"`
	Output       OutputSchema  `json:"output"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// SubagentStatus is the final status of a task.
type SubagentStatus string

const (
	SubagentCompleted SubagentStatus = "completed"
	SubagentPartial   SubagentStatus = "partial"
	SubagentFailed    SubagentStatus = "failed"
	SubagentAborted   SubagentStatus = "aborted"
)

// DistilledOutput is all a parent ever sees of a subagent run.
type DistilledOutput struct {
	TaskID          string         `json:"task_id"`
	Status          SubagentStatus `json:"status"`
	Summary         string         `json:"summary"`
	MissingSections []string       `json:"missing_sections,omitempty"`
	Truncated       bool           `json:"truncated,omitempty"`
	TokensUsed      int            `json:"tokens_used"`
	Budget          int            `json:"budget"`
	Turns           int            `json:"turns"`
	Error           string         `json:"error,omitempty"`
}

// Render formats the output as a tool result.
func (d DistilledOutput) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[subagent %s %s: %d/%d tokens, %d turns]\n", d.TaskID, d.Status, d.TokensUsed, d.Budget, d.Turns)
	if d.Error != "" {
		fmt.Fprintf(&sb, "error: %s\n", d.Error)
	}
	sb.WriteString(d.Summary)
	if len(d.MissingSections) > 0 {
		fmt.Fprintf(&sb, "\n[missing sections: %s]", strings.Join(d.MissingSections, ", "))
	}
	if d.Truncated {
		sb.WriteString("\n[summary truncated to the output limit]")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SubagentDispatcher builds a fresh orchestrator per task. Children get
// their own chain, transcript, budget and approval gate and share only the
// artifact store with the parent.
type SubagentDispatcher struct {
	parent *Orchestrator

	mu     sync.Mutex
	active map[string]*Orchestrator
}

func newSubagentDispatcher(parent *Orchestrator) *SubagentDispatcher {
	return &SubagentDispatcher{parent: parent, active: make(map[string]*Orchestrator)}
}

// Active returns the ids of running subagents.
func (d *SubagentDispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Delegate runs task to completion and returns its distilled output. Budget
// exhaustion and the task timeout give a partial result, not an error.
// Cancellation of ctx aborts the child and returns an *AbortedError.
func (d *SubagentDispatcher) Delegate(ctx context.Context, task SubagentTask) (DistilledOutput, error) {
	task, err := d.normalize(task)
	if err != nil {
		return DistilledOutput{TaskID: task.ID, Status: SubagentFailed, Error: err.Error()}, err
	}
	child, err := d.spawn(task)
	if err != nil {
		return DistilledOutput{TaskID: task.ID, Status: SubagentFailed, Budget: task.TokenBudget, Error: err.Error()}, err
	}

	d.mu.Lock()
	if _, busy := d.active[task.ID]; busy {
		d.mu.Unlock()
		child.Close()
		err := newConfigurationError([]string{fmt.Sprintf("subagent %s is already running", task.ID)})
		return DistilledOutput{TaskID: task.ID, Status: SubagentFailed, Budget: task.TokenBudget, Error: err.Error()}, err
	}
	d.active[task.ID] = child
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, task.ID)
		d.mu.Unlock()
		child.Close()
	}()

	p := d.parent
	p.emitter.Emit(EventSubagentStart, map[string]any{
		"task_id": task.ID,
		"budget":  task.TokenBudget,
		"tools":   child.chain.Registry().Names(),
	})
	ctx, span := StartSpan(ctx, "agentloop.subagent", task.ID, child.depth)
	p.logger.SubagentStarted(ctx, p.id, p.depth, task.ID, task.TokenBudget, child.chain.Registry().Names())
	p.metrics.RecordSubagentStarted(ctx, child.depth)

	tctx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()
	start := time.Now()
	res, runErr := child.Run(tctx, task.Description)

	used, _ := child.Budget()
	out := DistilledOutput{
		TaskID:     task.ID,
		TokensUsed: used,
		Budget:     task.TokenBudget,
		Turns:      child.turnCount(),
	}
	switch {
	case runErr == nil && res.Status == StatusCompleted:
		out.Status = SubagentCompleted
		d.distill(&out, res.Text, task.Output, "")
	case runErr == nil:
		out.Status = SubagentPartial
		d.distill(&out, res.Text, task.Output, partialReason(res.Status, used, task.TokenBudget))
	case ctx.Err() != nil:
		out.Status = SubagentAborted
		out.Error = ctx.Err().Error()
		err = runErr
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		out.Status = SubagentPartial
		d.distill(&out, lastAssistantText(child.Transcript()), task.Output,
			fmt.Sprintf("timed out after %s", task.Timeout))
	default:
		out.Status = SubagentFailed
		out.Error = runErr.Error()
		err = executionFailure(task.ID, ToolTask, runErr)
	}

	elapsed := time.Since(start)
	endSpan(span, err)
	p.logger.SubagentReturned(ctx, p.id, p.depth, out, elapsed)
	p.metrics.RecordSubagentFinished(ctx, child.depth, out.Status, out.TokensUsed, out.Budget)
	p.emitter.Emit(EventSubagentEnd, map[string]any{
		"task_id":     task.ID,
		"status":      string(out.Status),
		"tokens_used": out.TokensUsed,
		"turns":       out.Turns,
	})
	return out, err
}

// DelegateAll runs tasks in parallel, bounded by MaxParallelSubagents.
// Per-task failures are reported in the outputs; the error is non-nil only
// when ctx ends.
func (d *SubagentDispatcher) DelegateAll(ctx context.Context, tasks []SubagentTask) ([]DistilledOutput, error) {
	outs := make([]DistilledOutput, len(tasks))
	var g errgroup.Group
	g.SetLimit(d.parent.cfg.MaxParallelSubagents)
	for i, task := range tasks {
		g.Go(func() error {
			out, err := d.Delegate(ctx, task)
			if err != nil && out.Error == "" {
				out.Error = err.Error()
			}
			outs[i] = out
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return outs, newAbortedError(PhaseExecuting, err)
	}
	return outs, nil
}

func (d *SubagentDispatcher) normalize(task SubagentTask) (SubagentTask, error) {
	cfg := d.parent.cfg
	if task.ID == "" {
		task.ID = "sub_" + uuid.NewString()[:8]
	}
	var problems []string
	if strings.TrimSpace(task.Description) == "" {
		problems = append(problems, "subagent task needs a description")
	}
	if strings.Contains(task.ID, ApprovalIDSeparator) {
		problems = append(problems, fmt.Sprintf("subagent task id %q must not contain %q", task.ID, ApprovalIDSeparator))
	}
	if task.TokenBudget < 0 {
		problems = append(problems, fmt.Sprintf("subagent token budget must not be negative, got %d", task.TokenBudget))
	}
	if task.Output.MaxOutputTokens < 0 {
		problems = append(problems, fmt.Sprintf("max output tokens must not be negative, got %d", task.Output.MaxOutputTokens))
	}
	if len(problems) > 0 {
		return task, newConfigurationError(problems)
	}
	if task.TokenBudget == 0 {
		task.TokenBudget = cfg.SubagentBudget
	}
	if task.Timeout <= 0 {
		task.Timeout = cfg.SubagentTimeout
	}
	if task.Timeout <= 0 {
		task.Timeout = DefaultSessionConfig().SubagentTimeout
	}
	if task.Output.MaxOutputTokens == 0 {
		task.Output.MaxOutputTokens = cfg.SubagentOutputTokens
	}
	return task, nil
}

// spawn builds the child orchestrator for task.
func (d *SubagentDispatcher) spawn(task SubagentTask) (*Orchestrator, error) {
	p := d.parent
	depth := p.depth + 1

	var allowed []string
	for _, name := range task.AllowedTools {
		if name == ToolTask || slices.Contains(artifactNames(), name) {
			continue
		}
		allowed = append(allowed, name)
	}
	tools, err := p.chain.Registry().Subset(allowed)
	if err != nil {
		return nil, newConfigurationError([]string{fmt.Sprintf("task %s: %v", task.ID, err)})
	}

	units := []Unit{
		containmentUnit(task),
		NewArtifactsUnit(readLimit(p.cfg.Compaction)),
	}
	if len(tools) > 0 {
		units = append(units, NewToolsetUnit("delegated_tools", tools))
	}
	if slices.Contains(task.AllowedTools, ToolTask) && depth < p.cfg.MaxSubagentDepth {
		units = append(units, NewDelegationUnit())
	}

	cfg := p.cfg
	cfg.TokenBudget = task.TokenBudget
	cfg.MaxTurns = cfg.SubagentMaxTurns

	opts := []Option{
		WithLogger(p.opts.logger),
		WithMetrics(p.metrics),
		WithSessionID(task.ID),
		WithLedger(p.opts.ledger),
		WithScrubber(p.scrubber),
		WithSummarizer(p.opts.summarizer),
		WithVars(p.opts.vars),
		withDepth(depth),
		withPendingForwarder(func(pending approval.Pending) {
			pending.ID = qualifyApprovalID(task.ID, pending.ID)
			p.relayPending(pending)
		}),
	}
	if parent := p.opts.decider; parent != nil {
		opts = append(opts, WithDecider(approval.DeciderFunc(func(ctx context.Context, pending approval.Pending) (approval.Decision, error) {
			pending.ID = qualifyApprovalID(task.ID, pending.ID)
			return parent.Decide(ctx, pending)
		})))
	}
	return New(p.oracle, p.store, cfg, units, opts...)
}

// distill applies the output contract: scrub, mark partial results, check
// required sections and bound the size.
func (d *SubagentDispatcher) distill(out *DistilledOutput, text string, schema OutputSchema, partial string) {
	summary := d.parent.scrubber.Scrub(strings.TrimSpace(text))
	if partial != "" {
		if summary == "" {
			summary = "(no answer was produced)"
		}
		summary = fmt.Sprintf("%s %s\n%s", PartialMarker, partial, summary)
	}
	lower := strings.ToLower(summary)
	for _, section := range schema.RequiredSections {
		if !strings.Contains(lower, strings.ToLower(section)) {
			out.MissingSections = append(out.MissingSections, section)
		}
	}
	out.Summary, out.Truncated = TruncateToTokens(summary, schema.MaxOutputTokens)
}

func partialReason(status RunStatus, used, budget int) string {
	if status == StatusTurnLimit {
		return "turn limit reached before a final answer"
	}
	return fmt.Sprintf("token budget exhausted (%d of %d) before a final answer", used, budget)
}

// child returns the running subagent with the given task id, or nil.
func (d *SubagentDispatcher) child(taskID string) *Orchestrator {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[taskID]
}

func qualifyApprovalID(taskID, id string) string {
	return taskID + ApprovalIDSeparator + id
}

func (o *Orchestrator) turnCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn
}

func containmentUnit(task SubagentTask) Unit {
	var sb strings.Builder
	sb.WriteString("# Delegated task\n")
	sb.WriteString("You are a subagent working on a single delegated task. You cannot see the parent conversation. ")
	sb.WriteString("Use only the tools provided, stay within the task, and finish with one final answer: it is the only thing returned to the parent.\n")
	fmt.Fprintf(&sb, "Keep the final answer under %d tokens. Store long material with save_artifact and cite artifact ids instead.", task.Output.MaxOutputTokens)
	if len(task.Output.RequiredSections) > 0 {
		sb.WriteString("\nStructure the final answer with these sections:")
		for _, s := range task.Output.RequiredSections {
			fmt.Fprintf(&sb, "\n## %s", s)
		}
	}
	return newUnit("containment", UnitPrompt, PhaseContextLoading, nil,
		[]UnitOption{WithFragment(sb.String()), WithPriority(0)})
}

const delegationFragment = `# Delegation
Use the task tool to hand a self-contained piece of work to a subagent. The subagent starts with a fresh context, may only use the tools you list, and returns a short summary.
Pass several entries in "tasks" to run them in parallel.`

// NewDelegationUnit creates the unit contributing the task tool.
func NewDelegationUnit(opts ...UnitOption) Unit {
	tool := RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolTask,
			Description: "Delegate a self-contained task to a subagent and receive its distilled summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description":       map[string]any{"type": "string", "description": "What the subagent must do."},
					"tools":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"token_budget":      map[string]any{"type": "integer"},
					"required_sections": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"max_output_tokens": map[string]any{"type": "integer"},
					"tasks":             map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
				},
			},
			Risk: approval.RiskHigh,
		},
		Executor: runTaskTool,
	}
	opts = append([]UnitOption{WithFragment(delegationFragment), WithBudget(150)}, opts...)
	return newUnit("delegation", UnitDelegation, PhaseOrchestration, []RegisteredTool{tool}, opts)
}

func runTaskTool(ctx context.Context, call ToolCallContext, raw json.RawMessage) (string, error) {
	if call.Delegator == nil {
		return "", fmt.Errorf("delegation is not available at depth %d", call.Depth)
	}
	args, err := ParseToolArguments(raw)
	if err != nil {
		return "", err
	}
	if items, ok := args["tasks"].([]any); ok && len(items) > 0 {
		tasks := make([]SubagentTask, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return "", fmt.Errorf("tasks entries must be objects")
			}
			tasks = append(tasks, taskFromArgs(m))
		}
		outs, err := call.Delegator.DelegateAll(ctx, tasks)
		if err != nil {
			return "", err
		}
		rendered := make([]string, len(outs))
		for i, out := range outs {
			rendered[i] = out.Render()
		}
		return strings.Join(rendered, "\n\n"), nil
	}

	out, err := call.Delegator.Delegate(ctx, taskFromArgs(args))
	if err != nil {
		return "", err
	}
	return out.Render(), nil
}

func taskFromArgs(args map[string]any) SubagentTask {
	var t SubagentTask
	t.Description, _ = GetStringArg(args, "description")
	t.AllowedTools, _ = GetStringSliceArg(args, "tools")
	t.TokenBudget, _ = GetIntArg(args, "token_budget")
	t.Output.RequiredSections, _ = GetStringSliceArg(args, "required_sections")
	t.Output.MaxOutputTokens, _ = GetIntArg(args, "max_output_tokens")
	return t
}
