package agentloop

import (
	"context"
	"fmt"
	"time"
)

// UnitKind is the closed set of middleware unit kinds.
type UnitKind string

const (
	UnitPrompt     UnitKind = "prompt"
	UnitToolset    UnitKind = "toolset"
	UnitArtifacts  UnitKind = "artifacts"
	UnitDelegation UnitKind = "delegation"
)

// UnitPhase is a named priority band. A unit without an explicit priority
// takes the value of its phase.
type UnitPhase int

const (
	PhaseContextLoading    UnitPhase = 10
	PhaseToolRegistration  UnitPhase = 20
	PhaseOrchestration     UnitPhase = 30
	PhaseContextManagement UnitPhase = 40
	PhaseModelOptimization UnitPhase = 50
	PhaseApprovalGating    UnitPhase = 60
)

// DefaultUnitBudget is the fragment budget, in tokens, of a unit that does
// not declare one.
const DefaultUnitBudget = 500

// TurnState is everything a prompt fragment may depend on.
type TurnState struct {
	SessionID  string
	Turn       int
	Depth      int
	Input      string
	Transcript []Turn
	// TokensUsed and TokenBudget describe the session budget. TokenBudget
	// is zero when unlimited.
	TokensUsed  int
	TokenBudget int
	Now         time.Time
	Vars        map[string]string
}

// FragmentFunc produces a unit's prompt fragment. It must be a pure
// function of the turn state.
type FragmentFunc func(state TurnState) string

// ToolResult is the raw output of one tool call, before compaction.
type ToolResult struct {
	CallID   string
	ToolName string
	Output   string
	IsError  bool
	Duration time.Duration
}

// PostHook runs after each tool result is obtained and may return a
// replacement result. A hook error leaves the result unchanged.
type PostHook func(ctx context.Context, call ToolCallContext, result ToolResult) (ToolResult, error)

// Unit is one immutable middleware unit.
type Unit struct {
	name      string
	kind      UnitKind
	priority  int
	budget    int
	fragment  FragmentFunc
	tools     []RegisteredTool
	requires  []string
	conflicts []string
	postHooks []PostHook
}

// UnitOption configures a Unit at construction.
type UnitOption func(*Unit)

// WithPriority sets an explicit ordering priority.
func WithPriority(p int) UnitOption {
	return func(u *Unit) { u.priority = p }
}

// WithPhase sets the priority to the phase value.
func WithPhase(p UnitPhase) UnitOption {
	return func(u *Unit) { u.priority = int(p) }
}

// WithBudget sets the fragment budget in tokens.
func WithBudget(tokens int) UnitOption {
	return func(u *Unit) { u.budget = tokens }
}

// WithFragment sets a static prompt fragment.
func WithFragment(text string) UnitOption {
	return func(u *Unit) { u.fragment = staticFragment(text) }
}

// WithDynamicFragment sets a fragment producer.
func WithDynamicFragment(fn FragmentFunc) UnitOption {
	return func(u *Unit) { u.fragment = fn }
}

// WithRequires declares units that must also be in the chain.
func WithRequires(names ...string) UnitOption {
	return func(u *Unit) { u.requires = append(u.requires, names...) }
}

// WithConflicts declares units that must not be in the chain.
func WithConflicts(names ...string) UnitOption {
	return func(u *Unit) { u.conflicts = append(u.conflicts, names...) }
}

// WithPostHook adds a hook run after every tool result.
func WithPostHook(h PostHook) UnitOption {
	return func(u *Unit) {
		if h != nil {
			u.postHooks = append(u.postHooks, h)
		}
	}
}

func staticFragment(text string) FragmentFunc {
	return func(TurnState) string { return text }
}

func newUnit(name string, kind UnitKind, phase UnitPhase, tools []RegisteredTool, opts []UnitOption) Unit {
	u := Unit{
		name:     name,
		kind:     kind,
		priority: int(phase),
	}
	for _, opt := range opts {
		opt(&u)
	}
	if u.budget == 0 {
		u.budget = DefaultUnitBudget
	}
	u.tools = make([]RegisteredTool, len(tools))
	for i, t := range tools {
		t.Unit = name
		u.tools[i] = t
	}
	u.requires = append([]string(nil), u.requires...)
	u.conflicts = append([]string(nil), u.conflicts...)
	u.postHooks = append([]PostHook(nil), u.postHooks...)
	return u
}

// NewPromptUnit creates a unit contributing a static prompt fragment.
func NewPromptUnit(name, text string, opts ...UnitOption) Unit {
	return newUnit(name, UnitPrompt, PhaseContextLoading, nil, append([]UnitOption{WithFragment(text)}, opts...))
}

// NewDynamicPromptUnit creates a unit whose fragment is computed per turn.
func NewDynamicPromptUnit(name string, fn FragmentFunc, opts ...UnitOption) Unit {
	return newUnit(name, UnitPrompt, PhaseContextLoading, nil, append([]UnitOption{WithDynamicFragment(fn)}, opts...))
}

// NewToolsetUnit creates a unit contributing tools and, optionally, a
// fragment describing them.
func NewToolsetUnit(name string, tools []RegisteredTool, opts ...UnitOption) Unit {
	return newUnit(name, UnitToolset, PhaseToolRegistration, tools, opts)
}

// Name returns the unit name.
func (u Unit) Name() string { return u.name }

// Kind returns the unit kind.
func (u Unit) Kind() UnitKind { return u.kind }

// Priority returns the ordering priority.
func (u Unit) Priority() int { return u.priority }

// Budget returns the fragment budget in tokens.
func (u Unit) Budget() int { return u.budget }

// Tools returns a copy of the contributed tools.
func (u Unit) Tools() []RegisteredTool {
	return append([]RegisteredTool(nil), u.tools...)
}

// Requires returns the names of required units.
func (u Unit) Requires() []string { return append([]string(nil), u.requires...) }

// ConflictsWith returns the names of conflicting units.
func (u Unit) ConflictsWith() []string { return append([]string(nil), u.conflicts...) }

// Fragment renders the unit's prompt fragment for state.
func (u Unit) Fragment(state TurnState) string {
	if u.fragment == nil {
		return ""
	}
	return u.fragment(state)
}

func (u Unit) String() string {
	return fmt.Sprintf("%s(%s@%d)", u.name, u.kind, u.priority)
}
