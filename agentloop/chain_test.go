package agentloop

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AP3X-Dev/AG3NT/artifact"
)

func TestNewChain_OrdersByPriority(t *testing.T) {
	chain, err := NewChain(
		NewPromptUnit("late", "late", WithPriority(90)),
		NewToolsetUnit("tools", []RegisteredTool{tool("search", echo("ok"))}),
		NewPromptUnit("persona", "persona"),
		NewPromptUnit("tie", "tie"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"persona", "tie", "tools", "late"}, chain.Names())
	assert.True(t, chain.Has(UnitToolset))
	assert.False(t, chain.Has(UnitDelegation))
	assert.Equal(t, "tools", chain.Registry().Get("search").Unit)
}

func TestNewChain_DuplicateToolIsConfigurationError(t *testing.T) {
	a := NewToolsetUnit("web", []RegisteredTool{tool("search", echo("web"))})
	b := NewToolsetUnit("docs", []RegisteredTool{tool("search", echo("docs"))})

	chain, err := NewChain(a, b)
	require.Error(t, err)
	assert.Nil(t, chain)

	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Problems, 1)
	assert.Contains(t, cerr.Problems[0], `"search"`)
	assert.True(t, strings.Contains(err.Error(), "duplicate tool name"))
}

func TestNew_DuplicateToolRunsNoTurn(t *testing.T) {
	o := replies(final("never"))
	_, err := New(o, artifact.NewMemoryStore(), testConfig(), []Unit{
		NewToolsetUnit("web", []RegisteredTool{tool("search", echo("web"))}),
		NewToolsetUnit("docs", []RegisteredTool{tool("search", echo("docs"))}),
	})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, o.requests())
}

func TestNewChain_CollectsAllProblems(t *testing.T) {
	_, err := NewChain(
		NewPromptUnit("a", "x", WithRequires("missing")),
		NewPromptUnit("a", "y"),
		NewPromptUnit("b", "z", WithConflicts("a"), WithBudget(-1)),
		NewToolsetUnit("bad", []RegisteredTool{tool("has space", echo(""))}),
	)
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Problems, 5)
}

func TestNewChain_NilExecutor(t *testing.T) {
	_, err := NewChain(NewToolsetUnit("t", []RegisteredTool{{Definition: ToolDefinition{Name: "noop"}}}))
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestAssemble_Deterministic(t *testing.T) {
	chain, err := NewChain(
		NewToolsetUnit("tools", []RegisteredTool{tool("zeta", echo("")), tool("alpha", echo(""))},
			WithFragment("Use the tools.")),
		NewPromptUnit("persona", "You are careful."),
		NewDynamicPromptUnit("clock", func(s TurnState) string {
			return "Turn " + s.Now.Format(time.RFC3339) + " " + s.Vars["team"]
		}),
	)
	require.NoError(t, err)

	state := TurnState{
		Turn: 3,
		Now:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Vars: map[string]string{"team": "infra"},
	}
	first := Assemble(chain, state)
	second := Assemble(chain, state)
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(Assembly{}, "Registry")); diff != "" {
		t.Errorf("assembly differs between calls (-first +second):\n%s", diff)
	}

	assert.Equal(t, "You are careful.\n\nTurn 2026-01-02T03:04:05Z infra\n\nUse the tools.", first.SystemPrompt)
	names := make([]string, len(first.Tools))
	for i, ts := range first.Tools {
		names[i] = ts.Name
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
	assert.Empty(t, first.Diagnostics)
}

func TestAssemble_TruncatesToUnitBudget(t *testing.T) {
	long := strings.Repeat("abcd", 100)
	chain, err := NewChain(NewPromptUnit("wordy", long, WithBudget(10)))
	require.NoError(t, err)

	asm := Assemble(chain, TurnState{})
	require.Len(t, asm.Fragments, 1)
	assert.True(t, asm.Fragments[0].Truncated)
	assert.Equal(t, long[:40], asm.Fragments[0].Text)
	assert.Equal(t, long[:40], asm.SystemPrompt)

	require.Len(t, asm.Diagnostics, 1)
	assert.Equal(t, DiagFragmentTruncated, asm.Diagnostics[0].Code)
	assert.Equal(t, "wordy", asm.Diagnostics[0].Unit)
}

func TestAssemble_WarnsWhenBudgetsExceedPrompt(t *testing.T) {
	chain, err := NewChain(
		NewPromptUnit("a", "a", WithBudget(4000)),
		NewPromptUnit("b", "b", WithBudget(4000)),
	)
	require.NoError(t, err)

	asm := Assemble(chain, TurnState{})
	require.Len(t, asm.Diagnostics, 1)
	assert.Equal(t, DiagPromptOverBudget, asm.Diagnostics[0].Code)
	assert.Equal(t, "a\n\nb", asm.SystemPrompt)
}

func TestAssemble_SkipsEmptyFragments(t *testing.T) {
	chain, err := NewChain(
		NewDynamicPromptUnit("quiet", func(TurnState) string { return "" }),
		NewPromptUnit("loud", "hello"),
	)
	require.NoError(t, err)
	asm := Assemble(chain, TurnState{})
	assert.Equal(t, "hello", asm.SystemPrompt)
	require.Len(t, asm.Fragments, 1)
	assert.Equal(t, "loud", asm.Fragments[0].Unit)
}

func TestUnit_DefaultBudget(t *testing.T) {
	u := NewPromptUnit("p", "text")
	assert.Equal(t, DefaultUnitBudget, u.Budget())
	assert.Equal(t, int(PhaseContextLoading), u.Priority())
	assert.Equal(t, "p(prompt@10)", u.String())
}

func TestToolRegistry_Subset(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(tool("b", echo(""))))
	require.NoError(t, reg.Register(tool("a", echo(""))))
	require.ErrorIs(t, reg.Register(tool("a", echo(""))), ErrDuplicateTool)

	got, err := reg.Subset([]string{"b", "a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Definition.Name)

	_, err = reg.Subset([]string{"nope"})
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "tool", nf.Kind)
}

func TestParseToolArguments(t *testing.T) {
	args, err := ParseToolArguments(nil)
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = ParseToolArguments([]byte(`{"n": 3, "tags": ["a", "b"], "ok": true}`))
	require.NoError(t, err)
	n, ok := GetIntArg(args, "n")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	tags, _ := GetStringSliceArg(args, "tags")
	assert.Equal(t, []string{"a", "b"}, tags)
	b, _ := GetBoolArg(args, "ok")
	assert.True(t, b)

	_, err = ParseToolArguments([]byte(`[1]`))
	assert.Error(t, err)
}
