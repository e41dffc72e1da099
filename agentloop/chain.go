package agentloop

import (
	"fmt"
	"sort"
)

// Chain is the ordered, validated list of units for one session. It is
// read-only after construction.
type Chain struct {
	units    []Unit
	registry *ToolRegistry
	hooks    []PostHook
}

// NewChain orders units by ascending priority, keeping registration order
// for ties, and validates them. All problems are reported together in one
// ConfigurationError.
func NewChain(units ...Unit) (*Chain, error) {
	ordered := append([]Unit(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })

	var problems []string
	names := make(map[string]bool, len(ordered))
	for _, u := range ordered {
		switch {
		case u.name == "":
			problems = append(problems, fmt.Sprintf("unit of kind %q has no name", u.kind))
		case names[u.name]:
			problems = append(problems, fmt.Sprintf("duplicate unit name %q", u.name))
		}
		names[u.name] = true
		if u.budget < 0 {
			problems = append(problems, fmt.Sprintf("unit %q has negative budget %d", u.name, u.budget))
		}
	}
	for _, u := range ordered {
		for _, req := range u.requires {
			if !names[req] {
				problems = append(problems, fmt.Sprintf("unit %q requires missing unit %q", u.name, req))
			}
		}
		for _, c := range u.conflicts {
			if names[c] {
				problems = append(problems, fmt.Sprintf("unit %q conflicts with unit %q", u.name, c))
			}
		}
	}

	registry := NewToolRegistry()
	var hooks []PostHook
	for _, u := range ordered {
		for _, tool := range u.tools {
			if err := registry.Register(tool); err != nil {
				problems = append(problems, err.Error())
			}
		}
		hooks = append(hooks, u.postHooks...)
	}

	if len(problems) > 0 {
		return nil, newConfigurationError(problems)
	}
	return &Chain{units: ordered, registry: registry, hooks: hooks}, nil
}

// Units returns the units in application order.
func (c *Chain) Units() []Unit {
	return append([]Unit(nil), c.units...)
}

// Names returns the unit names in application order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.units))
	for i, u := range c.units {
		out[i] = u.name
	}
	return out
}

// Has reports whether a unit of the given kind is present.
func (c *Chain) Has(kind UnitKind) bool {
	for _, u := range c.units {
		if u.kind == kind {
			return true
		}
	}
	return false
}

// Registry returns the session tool registry.
func (c *Chain) Registry() *ToolRegistry { return c.registry }

// PostHooks returns the hooks of all units in chain order.
func (c *Chain) PostHooks() []PostHook {
	return append([]PostHook(nil), c.hooks...)
}
