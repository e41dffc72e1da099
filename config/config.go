// Package config loads ag3nt configuration.
//
// Values come from, in order of precedence:
//  1. Environment variables with the AG3NT_ prefix
//     (AG3NT_SESSION_MAX_TURNS -> session.max_turns)
//  2. A YAML file (default ~/.config/ag3nt/config.yaml)
//  3. Defaults
//
// Durations are written as Go duration strings ("90s", "5m").
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AP3X-Dev/AG3NT/agentloop"
	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/compaction"
	"github.com/AP3X-Dev/AG3NT/logging"
	"github.com/AP3X-Dev/AG3NT/oracle"
	"github.com/AP3X-Dev/AG3NT/telemetry"
)

// Config is the complete ag3nt configuration.
type Config struct {
	Session    SessionConfig    `koanf:"session"`
	Compaction CompactionConfig `koanf:"compaction"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Subagent   SubagentConfig   `koanf:"subagent"`
	Middleware MiddlewareConfig `koanf:"middleware"`
	Oracle     OracleConfig     `koanf:"oracle"`
	Artifacts  ArtifactsConfig  `koanf:"artifacts"`
	Logging    logging.Config   `koanf:"logging"`
	Telemetry  telemetry.Config `koanf:"telemetry"`

	// path is the file the config was loaded from, if any. Relative paths
	// in the config resolve against its directory.
	path string
}

// SessionConfig holds the per-orchestrator limits.
type SessionConfig struct {
	MaxTurns            int           `koanf:"max_turns"`
	TokenBudget         int           `koanf:"token_budget"`
	ContextWindow       int           `koanf:"context_window"`
	ToolTimeout         time.Duration `koanf:"tool_timeout"`
	MaxParallelTools    int           `koanf:"max_parallel_tools"`
	LoopDetection       bool          `koanf:"loop_detection"`
	LoopDetectionWindow int           `koanf:"loop_detection_window"`
	EventBuffer         int           `koanf:"event_buffer"`
}

// CompactionConfig controls when tool results become artifact pointers.
type CompactionConfig struct {
	ThresholdBytes  int `koanf:"threshold_bytes"`
	PreviewBytes    int `koanf:"preview_bytes"`
	MaxHighlights   int `koanf:"max_highlights"`
	MaxSummaryBytes int `koanf:"max_summary_bytes"`
}

// ApprovalConfig is the risk policy in its textual form.
type ApprovalConfig struct {
	Mode            string            `koanf:"mode"`
	MinRisk         string            `koanf:"min_risk"`
	DefaultRisk     string            `koanf:"default_risk"`
	AlwaysRequire   []string          `koanf:"always_require"`
	NeverRequire    []string          `koanf:"never_require"`
	Classifications map[string]string `koanf:"classifications"`
	// LedgerPath is the JSONL decision ledger. Empty disables the ledger.
	LedgerPath string `koanf:"ledger_path"`
}

// SubagentConfig bounds delegated tasks.
type SubagentConfig struct {
	MaxDepth     int           `koanf:"max_depth"`
	MaxParallel  int           `koanf:"max_parallel"`
	TokenBudget  int           `koanf:"token_budget"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxTurns     int           `koanf:"max_turns"`
	OutputTokens int           `koanf:"output_tokens"`
}

// MiddlewareConfig lists the prompt units added to every session.
type MiddlewareConfig struct {
	Units []UnitConfig `koanf:"units"`
	// SkillsDir holds one directory per skill, each with a SKILL.md.
	SkillsDir string `koanf:"skills_dir"`
	// Skills selects skills by id. Empty loads every skill found.
	Skills         []string          `koanf:"skills"`
	MaxSkillBytes  int               `koanf:"max_skill_bytes"`
	ProjectContext bool              `koanf:"project_context"`
	Vars           map[string]string `koanf:"vars"`
}

// UnitConfig declares one prompt unit. Exactly one of Text and File is set.
type UnitConfig struct {
	Name      string   `koanf:"name"`
	Text      string   `koanf:"text"`
	File      string   `koanf:"file"`
	Phase     string   `koanf:"phase"`
	Priority  *int     `koanf:"priority"`
	Budget    int      `koanf:"budget"`
	Requires  []string `koanf:"requires"`
	Conflicts []string `koanf:"conflicts"`
}

// OracleConfig selects and tunes the model provider.
type OracleConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`

	MaxRetries     int           `koanf:"max_retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
	// RateLimit is invocations per second; zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// ArtifactsConfig locates the artifact store.
type ArtifactsConfig struct {
	// Dir is the file store root. Empty keeps artifacts in memory.
	Dir string `koanf:"dir"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	session := agentloop.DefaultSessionConfig()
	comp := compaction.DefaultConfig()
	policy := approval.DefaultPolicy()

	classes := make(map[string]string, len(policy.Classifications))
	for tool, risk := range policy.Classifications {
		classes[tool] = risk.String()
	}

	return &Config{
		Session: SessionConfig{
			MaxTurns:            session.MaxTurns,
			TokenBudget:         session.TokenBudget,
			ContextWindow:       session.ContextWindow,
			ToolTimeout:         session.ToolTimeout,
			MaxParallelTools:    session.MaxParallelTools,
			LoopDetection:       session.EnableLoopDetection,
			LoopDetectionWindow: session.LoopDetectionWindow,
			EventBuffer:         session.EventBuffer,
		},
		Compaction: CompactionConfig{
			ThresholdBytes:  comp.ThresholdBytes,
			PreviewBytes:    comp.PreviewBytes,
			MaxHighlights:   comp.MaxHighlights,
			MaxSummaryBytes: comp.MaxSummaryBytes,
		},
		Approval: ApprovalConfig{
			Mode:            string(policy.Mode),
			MinRisk:         policy.MinRisk.String(),
			DefaultRisk:     policy.DefaultRisk.String(),
			Classifications: classes,
		},
		Subagent: SubagentConfig{
			MaxDepth:     session.MaxSubagentDepth,
			MaxParallel:  session.MaxParallelSubagents,
			TokenBudget:  session.SubagentBudget,
			Timeout:      session.SubagentTimeout,
			MaxTurns:     session.SubagentMaxTurns,
			OutputTokens: session.SubagentOutputTokens,
		},
		Middleware: MiddlewareConfig{
			MaxSkillBytes:  DefaultMaxSkillBytes,
			ProjectContext: true,
		},
		Oracle: OracleConfig{
			Provider:       "openai",
			MaxTokens:      4096,
			Temperature:    0.2,
			MaxRetries:     2,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  time.Minute,
		},
		Logging:   logging.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Path returns the file the config was loaded from, or "".
func (c *Config) Path() string { return c.path }

// Resolve makes a relative path relative to the config file directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// Policy converts the approval section.
func (c *Config) Policy() (approval.Policy, error) {
	a := c.Approval
	var errs []error

	minRisk, err := approval.ParseRisk(a.MinRisk)
	if err != nil {
		errs = append(errs, fmt.Errorf("approval.min_risk: %w", err))
	}
	defRisk, err := approval.ParseRisk(a.DefaultRisk)
	if err != nil {
		errs = append(errs, fmt.Errorf("approval.default_risk: %w", err))
	}
	classes := make(map[string]approval.RiskLevel, len(a.Classifications))
	for tool, name := range a.Classifications {
		r, err := approval.ParseRisk(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("approval.classifications.%s: %w", tool, err))
			continue
		}
		classes[tool] = r
	}
	if len(errs) > 0 {
		return approval.Policy{}, errors.Join(errs...)
	}

	p := approval.Policy{
		Mode:            approval.Mode(strings.ToLower(strings.TrimSpace(a.Mode))),
		MinRisk:         minRisk,
		DefaultRisk:     defRisk,
		AlwaysRequire:   append([]string(nil), a.AlwaysRequire...),
		NeverRequire:    append([]string(nil), a.NeverRequire...),
		Classifications: classes,
	}
	if p.Mode == "" {
		p.Mode = approval.ModeManual
	}
	if err := p.Validate(); err != nil {
		return approval.Policy{}, fmt.Errorf("approval: %w", err)
	}
	return p, nil
}

// SessionConfig produces the immutable orchestrator configuration.
func (c *Config) SessionConfig() (agentloop.SessionConfig, error) {
	policy, err := c.Policy()
	if err != nil {
		return agentloop.SessionConfig{}, err
	}
	s := agentloop.SessionConfig{
		Model:                c.Oracle.Model,
		Provider:             c.Oracle.Provider,
		MaxTurns:             c.Session.MaxTurns,
		TokenBudget:          c.Session.TokenBudget,
		ContextWindow:        c.Session.ContextWindow,
		ToolTimeout:          c.Session.ToolTimeout,
		MaxParallelTools:     c.Session.MaxParallelTools,
		EnableLoopDetection:  c.Session.LoopDetection,
		LoopDetectionWindow:  c.Session.LoopDetectionWindow,
		MaxSubagentDepth:     c.Subagent.MaxDepth,
		MaxParallelSubagents: c.Subagent.MaxParallel,
		SubagentBudget:       c.Subagent.TokenBudget,
		SubagentTimeout:      c.Subagent.Timeout,
		SubagentMaxTurns:     c.Subagent.MaxTurns,
		SubagentOutputTokens: c.Subagent.OutputTokens,
		Compaction: compaction.Config{
			ThresholdBytes:  c.Compaction.ThresholdBytes,
			PreviewBytes:    c.Compaction.PreviewBytes,
			MaxHighlights:   c.Compaction.MaxHighlights,
			MaxSummaryBytes: c.Compaction.MaxSummaryBytes,
		},
		Approval:    policy,
		EventBuffer: c.Session.EventBuffer,
	}
	if err := s.Validate(); err != nil {
		return agentloop.SessionConfig{}, err
	}
	return s, nil
}

// RetryPolicy converts the oracle retry settings.
func (o OracleConfig) RetryPolicy() oracle.RetryPolicy {
	if o.MaxRetries <= 0 {
		return oracle.NoRetry()
	}
	p := oracle.DefaultRetryPolicy()
	p.MaxRetries = o.MaxRetries
	if o.RetryBaseDelay > 0 {
		p.BaseDelay = o.RetryBaseDelay
	}
	if o.RetryMaxDelay > 0 {
		p.MaxDelay = o.RetryMaxDelay
	}
	return p
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.SessionConfig(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Oracle.Provider) == "" {
		errs = append(errs, errors.New("oracle.provider is required"))
	}
	if c.Oracle.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_tokens must not be negative, got %d", c.Oracle.MaxTokens))
	}
	if c.Oracle.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("oracle.rate_limit must not be negative, got %g", c.Oracle.RateLimit))
	}
	if c.Middleware.MaxSkillBytes < 0 {
		errs = append(errs, fmt.Errorf("middleware.max_skill_bytes must not be negative, got %d", c.Middleware.MaxSkillBytes))
	}
	for i, u := range c.Middleware.Units {
		if err := u.validate(); err != nil {
			errs = append(errs, fmt.Errorf("middleware.units[%d]: %w", i, err))
		}
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
