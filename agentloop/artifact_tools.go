package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/compaction"
)

// Artifact tool names.
const (
	ToolReadArtifact     = "read_artifact"
	ToolSaveArtifact     = "save_artifact"
	ToolSearchArtifacts  = "search_artifacts"
	ToolRetrieveSnippets = "retrieve_snippets"
)

const (
	defaultReadLines   = 200
	defaultSearchLimit = 20
	minReadBytes       = 1024
)

const artifactsFragment = `# Artifacts
Large tool outputs are stored as artifacts and replaced by a pointer with a summary and an artifact id.
Call read_artifact with the id to page through the content by line, or retrieve_snippets to find the lines matching a query.
Use save_artifact to keep notes or intermediate results, and search_artifacts to find earlier ones.`

// NewArtifactsUnit creates the unit exposing the artifact store to the
// oracle. maxReadBytes bounds a single read_artifact window so reads stay
// under the compaction threshold.
func NewArtifactsUnit(maxReadBytes int, opts ...UnitOption) Unit {
	if maxReadBytes < minReadBytes {
		maxReadBytes = minReadBytes
	}
	tools := []RegisteredTool{
		readArtifactTool(maxReadBytes),
		saveArtifactTool(),
		searchArtifactsTool(),
		retrieveSnippetsTool(),
	}
	opts = append([]UnitOption{WithFragment(artifactsFragment), WithBudget(200)}, opts...)
	return newUnit("artifacts", UnitArtifacts, PhaseContextManagement, tools, opts)
}

func artifactNames() []string {
	return []string{ToolReadArtifact, ToolSaveArtifact, ToolSearchArtifacts, ToolRetrieveSnippets}
}

func readArtifactTool(maxBytes int) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolReadArtifact,
			Description: "Read a stored artifact by id. Returns a window of lines starting at offset (1-based).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"artifact_id": map[string]any{"type": "string", "description": "Artifact id from a pointer."},
					"offset":      map[string]any{"type": "integer", "description": "First line to return, 1-based."},
					"limit":       map[string]any{"type": "integer", "description": "Maximum number of lines."},
				},
				"required": []string{"artifact_id"},
			},
			Risk: approval.RiskSafe,
		},
		Executor: func(ctx context.Context, call ToolCallContext, raw json.RawMessage) (string, error) {
			args, err := ParseToolArguments(raw)
			if err != nil {
				return "", err
			}
			id, _ := GetStringArg(args, "artifact_id")
			content, err := getArtifact(call.Artifacts, id)
			if err != nil {
				return "", err
			}
			offset, ok := GetIntArg(args, "offset")
			if !ok || offset < 1 {
				offset = 1
			}
			limit, ok := GetIntArg(args, "limit")
			if !ok || limit < 1 {
				limit = defaultReadLines
			}
			return readWindow(id, string(content), offset, limit, maxBytes), nil
		},
	}
}

// readWindow renders lines [offset, offset+limit) of content, cut at a line
// boundary once maxBytes is reached.
func readWindow(id, content string, offset, limit, maxBytes int) string {
	lines := strings.SplitAfter(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	total := len(lines)
	if offset > total {
		return fmt.Sprintf("[artifact %s has %d lines; offset %d is past the end]", id, total, offset)
	}
	end := offset - 1 + limit
	if end > total {
		end = total
	}

	var body strings.Builder
	last := offset - 1
	for i := offset - 1; i < end; i++ {
		if body.Len()+len(lines[i]) > maxBytes && i > offset-1 {
			break
		}
		body.WriteString(lines[i])
		last = i + 1
	}
	out := cutBytes(body.String(), maxBytes)

	header := fmt.Sprintf("[artifact %s lines %d-%d of %d]\n", id, offset, last, total)
	if last < total {
		return header + out + fmt.Sprintf("\n[continue with offset %d]", last+1)
	}
	return header + out
}

func saveArtifactTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolSaveArtifact,
			Description: "Store content as an artifact for later retrieval. Returns the artifact id.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":    map[string]any{"type": "string"},
					"title":      map[string]any{"type": "string"},
					"summary":    map[string]any{"type": "string"},
					"source_url": map[string]any{"type": "string"},
					"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"content"},
			},
			Risk: approval.RiskLow,
		},
		Executor: func(ctx context.Context, call ToolCallContext, raw json.RawMessage) (string, error) {
			args, err := ParseToolArguments(raw)
			if err != nil {
				return "", err
			}
			content, ok := GetStringArg(args, "content")
			if !ok || content == "" {
				return "", fmt.Errorf("content is required")
			}
			if call.Artifacts == nil {
				return "", fmt.Errorf("no artifact store configured")
			}
			meta := artifact.Meta{
				ToolName:  ToolSaveArtifact,
				CallID:    call.CallID,
				SessionID: call.SessionID,
			}
			meta.Title, _ = GetStringArg(args, "title")
			meta.Summary, _ = GetStringArg(args, "summary")
			meta.SourceURL, _ = GetStringArg(args, "source_url")
			meta.Tags, _ = GetStringSliceArg(args, "tags")
			if meta.Summary == "" {
				meta.Summary = meta.Title
			}
			stored, err := call.Artifacts.Put([]byte(content), meta)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("saved artifact %s (%d bytes)", stored.ID, stored.Size), nil
		},
	}
}

func searchArtifactsTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolSearchArtifacts,
			Description: "List stored artifacts, optionally filtered by tool, tag or source URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_name":    map[string]any{"type": "string"},
					"tag":          map[string]any{"type": "string"},
					"source_url":   map[string]any{"type": "string"},
					"session_only": map[string]any{"type": "boolean"},
					"limit":        map[string]any{"type": "integer"},
				},
			},
			Risk: approval.RiskSafe,
		},
		Executor: func(ctx context.Context, call ToolCallContext, raw json.RawMessage) (string, error) {
			args, err := ParseToolArguments(raw)
			if err != nil {
				return "", err
			}
			if call.Artifacts == nil {
				return "", fmt.Errorf("no artifact store configured")
			}
			var f artifact.Filter
			f.ToolName, _ = GetStringArg(args, "tool_name")
			f.Tag, _ = GetStringArg(args, "tag")
			f.SourceURL, _ = GetStringArg(args, "source_url")
			if only, _ := GetBoolArg(args, "session_only"); only {
				f.SessionID = call.SessionID
			}
			f.Limit, _ = GetIntArg(args, "limit")
			if f.Limit <= 0 {
				f.Limit = defaultSearchLimit
			}
			metas, err := call.Artifacts.List(f)
			if err != nil {
				return "", err
			}
			if len(metas) == 0 {
				return "no artifacts match", nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d artifacts:\n", len(metas))
			for _, m := range metas {
				fmt.Fprintf(&sb, "- %s %d bytes", m.ID, m.Size)
				if m.ToolName != "" {
					fmt.Fprintf(&sb, " from %s", m.ToolName)
				}
				if len(m.Tags) > 0 {
					fmt.Fprintf(&sb, " [%s]", strings.Join(m.Tags, ", "))
				}
				if s := firstNonEmpty(m.Title, m.Summary); s != "" {
					fmt.Fprintf(&sb, ": %s", s)
				}
				sb.WriteString("\n")
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func retrieveSnippetsTool() RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{
			Name:        ToolRetrieveSnippets,
			Description: "Return the line windows of an artifact that best match a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"artifact_id":  map[string]any{"type": "string"},
					"query":        map[string]any{"type": "string"},
					"context":      map[string]any{"type": "integer", "description": "Lines of context around each match."},
					"max_snippets": map[string]any{"type": "integer"},
				},
				"required": []string{"artifact_id", "query"},
			},
			Risk: approval.RiskSafe,
		},
		Executor: func(ctx context.Context, call ToolCallContext, raw json.RawMessage) (string, error) {
			args, err := ParseToolArguments(raw)
			if err != nil {
				return "", err
			}
			id, _ := GetStringArg(args, "artifact_id")
			query, _ := GetStringArg(args, "query")
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query is required")
			}
			content, err := getArtifact(call.Artifacts, id)
			if err != nil {
				return "", err
			}
			around, ok := GetIntArg(args, "context")
			if !ok {
				around = 2
			}
			limit, ok := GetIntArg(args, "max_snippets")
			if !ok || limit <= 0 {
				limit = 5
			}
			snippets := compaction.Snippets(string(content), query, around, limit)
			if len(snippets) == 0 {
				return fmt.Sprintf("no lines of %s match %q", id, query), nil
			}
			var sb strings.Builder
			for i, s := range snippets {
				if i > 0 {
					sb.WriteString("\n---\n")
				}
				fmt.Fprintf(&sb, "[%s lines %d-%d, score %d]\n%s", id, s.StartLine, s.EndLine, s.Score, s.Text)
			}
			return sb.String(), nil
		},
	}
}

func getArtifact(store artifact.Store, id string) ([]byte, error) {
	if store == nil {
		return nil, fmt.Errorf("no artifact store configured")
	}
	if id == "" {
		return nil, fmt.Errorf("artifact_id is required")
	}
	content, err := store.Get(id)
	if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrInvalidID) {
		return nil, newNotFoundError("artifact", id, err)
	}
	return content, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
