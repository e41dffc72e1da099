package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFile is the file name of a skill inside its directory.
const SkillFile = "SKILL.md"

// DefaultMaxSkillBytes caps the body of a single skill.
const DefaultMaxSkillBytes = 16 * 1024

var skillIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// SkillMeta is the YAML front matter of a SKILL.md file.
type SkillMeta struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Tags        []string `yaml:"tags"`
	// Tools lists the tools the skill expects; "*" means any.
	Tools      []string `yaml:"tools"`
	BudgetHint int      `yaml:"budget_hint"`
	Priority   *int     `yaml:"priority"`
	Triggers   []string `yaml:"triggers"`
}

// Skill is a parsed skill file.
type Skill struct {
	Meta      SkillMeta
	Body      string
	Path      string
	Truncated bool
}

// AllowsTool reports whether the skill expects tool to be available.
func (s Skill) AllowsTool(tool string) bool {
	for _, t := range s.Meta.Tools {
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

// Fragment is the prompt text the skill contributes.
func (s Skill) Fragment() string {
	var sb strings.Builder
	sb.WriteString("## Skill: ")
	sb.WriteString(s.Meta.Name)
	sb.WriteString("\n")
	if s.Meta.Description != "" {
		sb.WriteString(s.Meta.Description)
		sb.WriteString("\n")
	}
	if len(s.Meta.Tools) > 0 {
		sb.WriteString("Tools: ")
		sb.WriteString(strings.Join(s.Meta.Tools, ", "))
		sb.WriteString("\n")
	}
	if s.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(s.Body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

var frontMatterDelim = []byte("---")

// ParseSkill parses SKILL.md content. The front matter is required; the id
// defaults to dirName.
func ParseSkill(content []byte, dirName string, maxBody int) (Skill, error) {
	rest, ok := bytes.CutPrefix(content, frontMatterDelim)
	if !ok {
		return Skill{}, errors.New("missing front matter")
	}
	head, body, ok := bytes.Cut(rest, append([]byte("\n"), frontMatterDelim...))
	if !ok {
		return Skill{}, errors.New("unterminated front matter")
	}

	var meta SkillMeta
	if err := yaml.Unmarshal(head, &meta); err != nil {
		return Skill{}, fmt.Errorf("front matter: %w", err)
	}
	if meta.ID == "" {
		meta.ID = dirName
	}
	if meta.Name == "" {
		meta.Name = meta.ID
	}
	if !skillIDPattern.MatchString(meta.ID) {
		return Skill{}, fmt.Errorf("invalid skill id %q", meta.ID)
	}
	if dirName != "" && meta.ID != dirName {
		return Skill{}, fmt.Errorf("skill id %q does not match directory %q", meta.ID, dirName)
	}
	if meta.BudgetHint < 0 {
		return Skill{}, fmt.Errorf("budget_hint must not be negative, got %d", meta.BudgetHint)
	}

	s := Skill{Meta: meta, Body: strings.TrimSpace(string(body))}
	if maxBody > 0 && len(s.Body) > maxBody {
		cut := maxBody
		for cut > 0 && !isRuneStart(s.Body[cut]) {
			cut--
		}
		s.Body = s.Body[:cut]
		s.Truncated = true
	}
	return s, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// LoadSkills reads every <dir>/<id>/SKILL.md, sorted by id. A missing dir
// yields no skills.
func LoadSkills(dir string, maxBody int) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), SkillFile)
		content, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read skill %s: %w", e.Name(), err)
		}
		s, err := ParseSkill(content, e.Name(), maxBody)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", path, err)
		}
		s.Path = path
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Meta.ID < skills[j].Meta.ID })
	return skills, nil
}
