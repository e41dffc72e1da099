package approval

import (
	"fmt"
	"slices"
	"strings"
)

// RiskLevel grades how much damage a tool call can do.
type RiskLevel int

const (
	RiskUnspecified RiskLevel = iota
	RiskSafe
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"unspecified", "safe", "low", "medium", "high", "critical"}

func (r RiskLevel) String() string {
	if r < 0 || int(r) >= len(riskNames) {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// ParseRisk parses a risk level name. The empty string is RiskUnspecified.
func ParseRisk(s string) (RiskLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RiskUnspecified, nil
	}
	for i, name := range riskNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return RiskUnspecified, fmt.Errorf("%w: unknown risk level %q", ErrInvalidPolicy, s)
}

// Mode is the session-wide approval mode.
type Mode string

const (
	// ModeManual holds sensitive calls for a decision.
	ModeManual Mode = "manual"
	// ModeAuto approves every call without asking.
	ModeAuto Mode = "auto"
)

// Policy decides which requests need a human decision.
type Policy struct {
	Mode Mode
	// MinRisk is the lowest risk that requires approval. Zero means medium.
	MinRisk RiskLevel
	// AlwaysRequire names tools that are always held for a decision.
	AlwaysRequire []string
	// NeverRequire names tools exempt from risk-based holds. It does not
	// lift the sensitive flag of a tool definition.
	NeverRequire []string
	// Classifications overrides the risk of named tools that do not
	// declare one.
	Classifications map[string]RiskLevel
	// DefaultRisk applies to unclassified tools. Zero means low.
	DefaultRisk RiskLevel
}

// DefaultPolicy is manual mode with the built-in tool classifications.
func DefaultPolicy() Policy {
	return Policy{
		Mode:    ModeManual,
		MinRisk: RiskMedium,
		Classifications: map[string]RiskLevel{
			"read_artifact":     RiskSafe,
			"search_artifacts":  RiskSafe,
			"retrieve_snippets": RiskSafe,
			"save_artifact":     RiskLow,
			"task":              RiskHigh,
		},
		DefaultRisk: RiskLow,
	}
}

// Validate reports malformed fields.
func (p Policy) Validate() error {
	switch p.Mode {
	case "", ModeManual, ModeAuto:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, p.Mode)
	}
	if p.MinRisk < RiskUnspecified || p.MinRisk > RiskCritical {
		return fmt.Errorf("%w: min risk %d out of range", ErrInvalidPolicy, int(p.MinRisk))
	}
	if p.DefaultRisk < RiskUnspecified || p.DefaultRisk > RiskCritical {
		return fmt.Errorf("%w: default risk %d out of range", ErrInvalidPolicy, int(p.DefaultRisk))
	}
	for _, name := range p.AlwaysRequire {
		if slices.Contains(p.NeverRequire, name) {
			return fmt.Errorf("%w: tool %q is both always and never required", ErrInvalidPolicy, name)
		}
	}
	return nil
}

// RiskOf returns the effective risk of a tool. A declared risk wins over
// the policy classification.
func (p Policy) RiskOf(tool string, declared RiskLevel) RiskLevel {
	if declared != RiskUnspecified {
		return declared
	}
	if r, ok := p.Classifications[tool]; ok && r != RiskUnspecified {
		return r
	}
	if p.DefaultRisk != RiskUnspecified {
		return p.DefaultRisk
	}
	return RiskLow
}

// RequiresApproval reports whether req must wait for a decision.
func (p Policy) RequiresApproval(req Request) bool {
	return p.requires(req, p.RiskOf(req.ToolName, req.Risk))
}

func (p Policy) requires(req Request, risk RiskLevel) bool {
	if p.Mode == ModeAuto {
		return false
	}
	if req.Sensitive || slices.Contains(p.AlwaysRequire, req.ToolName) {
		return true
	}
	if slices.Contains(p.NeverRequire, req.ToolName) {
		return false
	}
	threshold := p.MinRisk
	if threshold == RiskUnspecified {
		threshold = RiskMedium
	}
	return risk >= threshold
}
