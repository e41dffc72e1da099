package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/AP3X-Dev/AG3NT/approval"
	"github.com/AP3X-Dev/AG3NT/artifact"
	"github.com/AP3X-Dev/AG3NT/oracle"
)

// ToolCallContext is handed to every executor.
type ToolCallContext struct {
	SessionID string
	Turn      int
	CallID    string
	ToolName  string
	Depth     int
	// Artifacts is the session's shared store. Executors may pre-store
	// large content here themselves.
	Artifacts artifact.Store
	// Delegator is nil when the session may not spawn subagents.
	Delegator Delegator
}

// ToolExecutor runs one tool call. Executors must return when ctx is done.
type ToolExecutor func(ctx context.Context, call ToolCallContext, arguments json.RawMessage) (string, error)

// ToolDefinition describes a tool to the oracle and the approval gate.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Sensitive tools always need an approval decision before running.
	Sensitive bool               `json:"sensitive,omitempty"`
	Risk      approval.RiskLevel `json:"risk,omitempty"`
	// Timeout overrides the session tool timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
	// Unit is the middleware unit that contributed the tool.
	Unit string
}

var validToolName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

// ToolRegistry manages tool registration and lookup. It is frozen once the
// chain that built it is constructed.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds a tool. Registering a name twice is an error; nothing is
// ever shadowed.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	name := tool.Definition.Name
	if !validToolName.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	if tool.Executor == nil {
		return fmt.Errorf("tool %q has no executor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %q from unit %q is already registered by unit %q",
			ErrDuplicateTool, name, tool.Unit, existing.Unit)
	}
	r.tools[name] = &tool
	return nil
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset returns the tools named in names, in registration-independent
// sorted order. Unknown names are an error.
func (r *ToolRegistry) Subset(names []string) ([]RegisteredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(names))
	var missing []string
	out := make([]RegisteredTool, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		tool, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, *tool)
	}
	if len(missing) > 0 {
		return nil, newNotFoundError("tool", missing[0], nil)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out, nil
}

// Schemas converts the registry to the oracle's tool schema form.
func (r *ToolRegistry) Schemas() []oracle.ToolSchema {
	defs := r.Definitions()
	out := make([]oracle.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = oracle.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// ParseToolArguments unmarshals tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetStringSliceArg extracts a list of strings. Non-string items are
// skipped.
func GetStringSliceArg(args map[string]any, key string) ([]string, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}
