package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/AP3X-Dev/AG3NT/agentloop"
)

var phases = map[string]agentloop.UnitPhase{
	"context_loading":    agentloop.PhaseContextLoading,
	"tool_registration":  agentloop.PhaseToolRegistration,
	"orchestration":      agentloop.PhaseOrchestration,
	"context_management": agentloop.PhaseContextManagement,
	"model_optimization": agentloop.PhaseModelOptimization,
	"approval_gating":    agentloop.PhaseApprovalGating,
}

// ParsePhase parses a phase name. The empty string is context loading.
func ParsePhase(s string) (agentloop.UnitPhase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return agentloop.PhaseContextLoading, nil
	}
	p, ok := phases[s]
	if !ok {
		return 0, fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

func (u UnitConfig) validate() error {
	var errs []error
	if strings.TrimSpace(u.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if (u.Text == "") == (u.File == "") {
		errs = append(errs, errors.New("exactly one of text and file must be set"))
	}
	if _, err := ParsePhase(u.Phase); err != nil {
		errs = append(errs, err)
	}
	if u.Budget < 0 {
		errs = append(errs, fmt.Errorf("budget must not be negative, got %d", u.Budget))
	}
	return errors.Join(errs...)
}

func (u UnitConfig) options() []agentloop.UnitOption {
	phase, _ := ParsePhase(u.Phase)
	opts := []agentloop.UnitOption{agentloop.WithPhase(phase)}
	if u.Priority != nil {
		opts = append(opts, agentloop.WithPriority(*u.Priority))
	}
	if u.Budget > 0 {
		opts = append(opts, agentloop.WithBudget(u.Budget))
	}
	if len(u.Requires) > 0 {
		opts = append(opts, agentloop.WithRequires(u.Requires...))
	}
	if len(u.Conflicts) > 0 {
		opts = append(opts, agentloop.WithConflicts(u.Conflicts...))
	}
	return opts
}

// PromptUnits builds the configured prompt units: inline and file units,
// then selected skills, then the project context unit for workDir when
// enabled. Unit files and the skills dir resolve against the config file.
func (c *Config) PromptUnits(workDir string) ([]agentloop.Unit, error) {
	m := c.Middleware
	units := make([]agentloop.Unit, 0, len(m.Units)+1)

	for _, u := range m.Units {
		if err := u.validate(); err != nil {
			return nil, fmt.Errorf("unit %q: %w", u.Name, err)
		}
		text := u.Text
		if u.File != "" {
			content, err := os.ReadFile(c.Resolve(u.File))
			if err != nil {
				return nil, fmt.Errorf("unit %q: %w", u.Name, err)
			}
			text = strings.TrimSpace(string(content))
		}
		units = append(units, agentloop.NewPromptUnit(u.Name, text, u.options()...))
	}

	skills, err := c.selectedSkills()
	if err != nil {
		return nil, err
	}
	for _, s := range skills {
		units = append(units, SkillUnit(s))
	}

	if m.ProjectContext && workDir != "" {
		units = append(units, agentloop.NewProjectContextUnit(workDir))
	}
	return units, nil
}

func (c *Config) selectedSkills() ([]Skill, error) {
	m := c.Middleware
	if m.SkillsDir == "" {
		if len(m.Skills) > 0 {
			return nil, errors.New("middleware.skills is set without middleware.skills_dir")
		}
		return nil, nil
	}
	all, err := LoadSkills(c.Resolve(m.SkillsDir), m.MaxSkillBytes)
	if err != nil {
		return nil, err
	}
	if len(m.Skills) == 0 {
		return all, nil
	}

	var out []Skill
	for _, id := range m.Skills {
		i := slices.IndexFunc(all, func(s Skill) bool { return s.Meta.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("skill %q not found in %s", id, m.SkillsDir)
		}
		out = append(out, all[i])
	}
	return out, nil
}

// SkillUnit turns a skill into a prompt unit named "skill_<id>". Without a
// budget hint the budget fits the whole fragment.
func SkillUnit(s Skill) agentloop.Unit {
	text := s.Fragment()
	budget := s.Meta.BudgetHint
	if budget == 0 {
		budget = agentloop.EstimateTokens(text)
	}
	opts := []agentloop.UnitOption{
		agentloop.WithPhase(agentloop.PhaseModelOptimization),
		agentloop.WithBudget(budget),
	}
	if s.Meta.Priority != nil {
		opts = append(opts, agentloop.WithPriority(*s.Meta.Priority))
	}
	return agentloop.NewPromptUnit("skill_"+s.Meta.ID, text, opts...)
}
