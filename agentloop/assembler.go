package agentloop

import (
	"fmt"
	"strings"

	"github.com/AP3X-Dev/AG3NT/oracle"
)

// PromptBudgetWarning is the total fragment budget, in tokens, above which
// assembly reports a warning.
const PromptBudgetWarning = 6000

// Diagnostic codes.
const (
	DiagFragmentTruncated = "fragment_truncated"
	DiagPromptOverBudget  = "prompt_over_budget"
)

// Diagnostic is a recoverable assembly finding.
type Diagnostic struct {
	Code    string `json:"code"`
	Unit    string `json:"unit,omitempty"`
	Message string `json:"message"`
}

// Fragment is one unit's contribution to the system prompt.
type Fragment struct {
	Unit      string `json:"unit"`
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
	Budget    int    `json:"budget"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Assembly is the result of one prompt assembly.
type Assembly struct {
	SystemPrompt string
	Fragments    []Fragment
	Tools        []oracle.ToolSchema
	Registry     *ToolRegistry
	Diagnostics  []Diagnostic
}

// Assemble builds the system prompt and tool set for one turn. It depends
// only on chain and state, so equal inputs give equal output.
func Assemble(chain *Chain, state TurnState) Assembly {
	var (
		parts       []string
		fragments   []Fragment
		diagnostics []Diagnostic
		totalBudget int
	)
	for _, u := range chain.units {
		if u.fragment == nil {
			continue
		}
		totalBudget += u.budget
		text := u.fragment(state)
		if text == "" {
			continue
		}
		cut, truncated := TruncateToTokens(text, u.budget)
		if truncated {
			diagnostics = append(diagnostics, Diagnostic{
				Code: DiagFragmentTruncated,
				Unit: u.name,
				Message: fmt.Sprintf("fragment of %d tokens truncated to budget of %d",
					EstimateTokens(text), u.budget),
			})
		}
		fragments = append(fragments, Fragment{
			Unit:      u.name,
			Text:      cut,
			Tokens:    EstimateTokens(cut),
			Budget:    u.budget,
			Truncated: truncated,
		})
		if cut != "" {
			parts = append(parts, cut)
		}
	}
	if totalBudget > PromptBudgetWarning {
		diagnostics = append(diagnostics, Diagnostic{
			Code:    DiagPromptOverBudget,
			Message: fmt.Sprintf("total fragment budget %d exceeds %d tokens", totalBudget, PromptBudgetWarning),
		})
	}
	return Assembly{
		SystemPrompt: strings.Join(parts, "\n\n"),
		Fragments:    fragments,
		Tools:        chain.registry.Schemas(),
		Registry:     chain.registry,
		Diagnostics:  diagnostics,
	}
}
