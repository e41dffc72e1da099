package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ProjectDocFiles are the instruction files loaded by NewProjectContextUnit.
var ProjectDocFiles = []string{"AGENTS.md", "AG3NT.md"}

const maxProjectDocBytes = 32 * 1024

// NewProjectContextUnit creates a prompt unit describing the working
// directory: an environment block and the project instruction files found
// between the git root and dir. Files and git state are read once, here, so
// the fragment only varies with the turn state.
func NewProjectContextUnit(dir string, opts ...UnitOption) Unit {
	env := readEnvironment(dir)
	docs := discoverProjectDocs(env.root, dir, ProjectDocFiles)
	fn := func(state TurnState) string {
		var sb strings.Builder
		sb.WriteString(env.render(state))
		if docs != "" {
			sb.WriteString("\n\n")
			sb.WriteString(docs)
		}
		return sb.String()
	}
	opts = append([]UnitOption{WithDynamicFragment(fn), WithBudget(2000)}, opts...)
	return newUnit("project_context", UnitPrompt, PhaseContextLoading, nil, opts)
}

type environment struct {
	dir    string
	root   string
	branch string
}

func readEnvironment(dir string) environment {
	env := environment{dir: filepath.Clean(dir)}
	env.root = strings.TrimSpace(gitOutput(dir, "rev-parse", "--show-toplevel"))
	if env.root != "" {
		env.branch = strings.TrimSpace(gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"))
	}
	return env
}

func (e environment) render(state TurnState) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", e.dir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", e.root != "")
	if e.branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", e.branch)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if !state.Now.IsZero() {
		fmt.Fprintf(&sb, "Today's date: %s\n", state.Now.Format("2006-01-02"))
	}
	if state.Depth > 0 {
		fmt.Fprintf(&sb, "Delegation depth: %d\n", state.Depth)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// discoverProjectDocs loads the named files from every directory between
// root and dir, outermost first, up to maxProjectDocBytes in total.
func discoverProjectDocs(root, dir string, names []string) string {
	if root == "" {
		root = dir
	}
	var docs []string
	total := 0
	for _, d := range pathHierarchy(root, dir) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(d, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				return strings.Join(append(docs, "[project instructions truncated at 32KB]"), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = cutBytes(text, remaining) + "\n[project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, d, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns the directories from root down to target. A target
// outside root yields root alone.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
