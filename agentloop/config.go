package agentloop

import (
	"fmt"
	"time"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/compaction"
)

// SessionConfig is fixed for the lifetime of an orchestrator.
type SessionConfig struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	// MaxTurns bounds oracle rounds per Run.
	MaxTurns int `json:"max_turns"`
	// TokenBudget bounds tokens per orchestrator; zero is unlimited.
	TokenBudget int `json:"token_budget"`
	// ContextWindow is used for the context usage warning.
	ContextWindow int `json:"context_window"`

	ToolTimeout      time.Duration `json:"tool_timeout"`
	MaxParallelTools int           `json:"max_parallel_tools"`

	EnableLoopDetection bool `json:"enable_loop_detection"`
	LoopDetectionWindow int  `json:"loop_detection_window"`

	MaxSubagentDepth     int           `json:"max_subagent_depth"`
	MaxParallelSubagents int           `json:"max_parallel_subagents"`
	SubagentBudget       int           `json:"subagent_budget"`
	SubagentTimeout      time.Duration `json:"subagent_timeout"`
	SubagentMaxTurns     int           `json:"subagent_max_turns"`
	// SubagentOutputTokens bounds a distilled summary.
	SubagentOutputTokens int `json:"subagent_output_tokens"`

	Compaction compaction.Config `json:"compaction"`
	Approval   approval.Policy   `json:"approval"`

	EventBuffer int `json:"event_buffer"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTurns:             50,
		ContextWindow:        128000,
		ToolTimeout:          2 * time.Minute,
		MaxParallelTools:     8,
		EnableLoopDetection:  true,
		LoopDetectionWindow:  10,
		MaxSubagentDepth:     1,
		MaxParallelSubagents: 4,
		SubagentBudget:       20000,
		SubagentTimeout:      5 * time.Minute,
		SubagentMaxTurns:     25,
		SubagentOutputTokens: 2000,
		Compaction:           compaction.DefaultConfig(),
		Approval:             approval.DefaultPolicy(),
		EventBuffer:          256,
	}
}

// Validate reports every invalid field in one ConfigurationError.
func (c SessionConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(c.MaxTurns > 0, "max_turns must be positive, got %d", c.MaxTurns)
	check(c.TokenBudget >= 0, "token_budget must not be negative, got %d", c.TokenBudget)
	check(c.ContextWindow >= 0, "context_window must not be negative, got %d", c.ContextWindow)
	check(c.ToolTimeout > 0, "tool_timeout must be positive, got %s", c.ToolTimeout)
	check(c.MaxParallelTools > 0, "max_parallel_tools must be positive, got %d", c.MaxParallelTools)
	check(!c.EnableLoopDetection || c.LoopDetectionWindow > 1,
		"loop_detection_window must be above 1, got %d", c.LoopDetectionWindow)
	check(c.MaxSubagentDepth >= 0, "max_subagent_depth must not be negative, got %d", c.MaxSubagentDepth)
	check(c.MaxParallelSubagents > 0, "max_parallel_subagents must be positive, got %d", c.MaxParallelSubagents)
	check(c.SubagentBudget >= 0, "subagent_budget must not be negative, got %d", c.SubagentBudget)
	check(c.SubagentTimeout >= 0, "subagent_timeout must not be negative, got %s", c.SubagentTimeout)
	check(c.SubagentMaxTurns > 0, "subagent_max_turns must be positive, got %d", c.SubagentMaxTurns)
	check(c.SubagentOutputTokens > 0, "subagent_output_tokens must be positive, got %d", c.SubagentOutputTokens)
	check(c.EventBuffer >= 0, "event_buffer must not be negative, got %d", c.EventBuffer)
	if err := c.Compaction.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Approval.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return newConfigurationError(problems)
	}
	return nil
}
