package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AP3X-Dev/AG3NT/agentloop"
)

const reviewSkill = `---
name: Code review
description: Review a diff for defects.
version: 1.0.0
tools: [read_artifact, search]
budget_hint: 300
---
## Purpose
Find bugs before merge.

## Output format
A list of findings.
`

func TestParseSkill(t *testing.T) {
	s, err := ParseSkill([]byte(reviewSkill), "review", 0)
	require.NoError(t, err)
	assert.Equal(t, "review", s.Meta.ID)
	assert.Equal(t, "Code review", s.Meta.Name)
	assert.Equal(t, 300, s.Meta.BudgetHint)
	assert.True(t, s.AllowsTool("search"))
	assert.False(t, s.AllowsTool("shell"))
	assert.True(t, strings.HasPrefix(s.Body, "## Purpose"))

	frag := s.Fragment()
	assert.True(t, strings.HasPrefix(frag, "## Skill: Code review\nReview a diff for defects.\nTools: read_artifact, search\n\n## Purpose"))
	assert.False(t, strings.HasSuffix(frag, "\n"))
}

func TestParseSkill_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		dir     string
		want    string
	}{
		{"no front matter", "# just markdown", "x", "missing front matter"},
		{"unterminated", "---\nname: x\n", "x", "unterminated"},
		{"bad yaml", "---\nname: [x\n---\nbody", "x", "front matter"},
		{"bad id", "---\nid: Bad Id\n---\n", "", "invalid skill id"},
		{"id mismatch", "---\nid: other\n---\n", "review", "does not match"},
		{"negative budget", "---\nbudget_hint: -1\n---\n", "x", "budget_hint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSkill([]byte(tt.content), tt.dir, 0)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseSkill_TruncatesBody(t *testing.T) {
	s, err := ParseSkill([]byte("---\nid: x\n---\n"+strings.Repeat("é", 10)), "x", 5)
	require.NoError(t, err)
	assert.True(t, s.Truncated)
	assert.Equal(t, "éé", s.Body)
}

func TestLoadSkills(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "review", SkillFile), reviewSkill, 0o644)
	writeFile(t, filepath.Join(dir, "audit", SkillFile), "---\nname: Audit\n---\nCheck licenses.", 0o644)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored", 0o644)
	writeFile(t, filepath.Join(dir, "empty", "README.md"), "no skill here", 0o644)

	skills, err := LoadSkills(dir, DefaultMaxSkillBytes)
	require.NoError(t, err)
	require.Len(t, skills, 2)
	assert.Equal(t, "audit", skills[0].Meta.ID)
	assert.Equal(t, "review", skills[1].Meta.ID)
	assert.Equal(t, filepath.Join(dir, "review", SkillFile), skills[1].Path)

	none, err := LoadSkills(filepath.Join(dir, "missing"), 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	writeFile(t, filepath.Join(dir, "broken", SkillFile), "no front matter", 0o644)
	_, err = LoadSkills(dir, 0)
	assert.ErrorContains(t, err, "broken")
}

func TestPromptUnits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "skills", "review", SkillFile), reviewSkill, 0o644)
	writeFile(t, filepath.Join(dir, "skills", "audit", SkillFile), "---\nname: Audit\n---\nCheck licenses.", 0o644)
	writeFile(t, filepath.Join(dir, "style.md"), "  Prefer small functions.\n", 0o644)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
middleware:
  project_context: false
  skills_dir: skills
  skills: [review]
  units:
    - name: persona
      text: You are careful.
      priority: 5
    - name: style
      file: style.md
      phase: context_management
      budget: 50
      requires: [persona]
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	units, err := cfg.PromptUnits(dir)
	require.NoError(t, err)

	chain, err := agentloop.NewChain(units...)
	require.NoError(t, err)
	assert.Equal(t, []string{"persona", "style", "skill_review"}, chain.Names())

	byName := make(map[string]agentloop.Unit)
	for _, u := range units {
		byName[u.Name()] = u
	}
	assert.Equal(t, 5, byName["persona"].Priority())
	assert.Equal(t, int(agentloop.PhaseContextManagement), byName["style"].Priority())
	assert.Equal(t, 50, byName["style"].Budget())
	assert.Equal(t, "Prefer small functions.", byName["style"].Fragment(agentloop.TurnState{}))
	assert.Equal(t, 300, byName["skill_review"].Budget())
	assert.Contains(t, byName["skill_review"].Fragment(agentloop.TurnState{}), "Find bugs before merge.")
}

func TestPromptUnits_ProjectContextAndErrors(t *testing.T) {
	cfg := Default()
	units, err := cfg.PromptUnits(t.TempDir())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "project_context", units[0].Name())

	cfg.Middleware.Skills = []string{"review"}
	_, err = cfg.PromptUnits("")
	assert.ErrorContains(t, err, "skills_dir")

	cfg = Default()
	cfg.Middleware.SkillsDir = t.TempDir()
	cfg.Middleware.Skills = []string{"missing"}
	_, err = cfg.PromptUnits("")
	assert.ErrorContains(t, err, `skill "missing" not found`)

	cfg = Default()
	cfg.Middleware.Units = []UnitConfig{{Name: "f", File: filepath.Join(t.TempDir(), "nope.md")}}
	_, err = cfg.PromptUnits("")
	assert.Error(t, err)
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("")
	require.NoError(t, err)
	assert.Equal(t, agentloop.PhaseContextLoading, p)

	p, err = ParsePhase(" Approval_Gating ")
	require.NoError(t, err)
	assert.Equal(t, agentloop.PhaseApprovalGating, p)

	_, err = ParsePhase("later")
	assert.Error(t, err)
}
