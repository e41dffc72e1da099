package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRisk(t *testing.T) {
	for _, name := range []string{"safe", "low", "medium", "high", "critical"} {
		r, err := ParseRisk(name)
		require.NoError(t, err)
		assert.Equal(t, name, r.String())
	}
	r, err := ParseRisk(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, r)

	r, err = ParseRisk("")
	require.NoError(t, err)
	assert.Equal(t, RiskUnspecified, r)

	_, err = ParseRisk("extreme")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestPolicy_RequiresApproval(t *testing.T) {
	p := DefaultPolicy()
	p.AlwaysRequire = []string{"deploy"}
	p.NeverRequire = []string{"task", "fetch"}

	tests := []struct {
		name string
		req  Request
		want bool
	}{
		{"unclassified defaults to low", Request{ToolName: "search"}, false},
		{"sensitive flag", Request{ToolName: "search", Sensitive: true}, true},
		{"declared high risk", Request{ToolName: "shell", Risk: RiskHigh}, true},
		{"classified safe", Request{ToolName: "read_artifact"}, false},
		{"always require", Request{ToolName: "deploy"}, true},
		{"never require lifts policy risk", Request{ToolName: "task"}, false},
		{"never require keeps sensitive flag", Request{ToolName: "fetch", Sensitive: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.RequiresApproval(tt.req))
		})
	}

	p.Mode = ModeAuto
	assert.False(t, p.RequiresApproval(Request{ToolName: "deploy", Sensitive: true}))
}

func TestPolicy_RiskOf(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, RiskHigh, p.RiskOf("task", RiskUnspecified))
	assert.Equal(t, RiskSafe, p.RiskOf("task", RiskSafe))
	assert.Equal(t, RiskLow, p.RiskOf("anything", RiskUnspecified))

	assert.Equal(t, RiskLow, Policy{}.RiskOf("anything", RiskUnspecified))
	assert.True(t, Policy{}.RequiresApproval(Request{ToolName: "x", Risk: RiskMedium}))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{}.Validate())
	assert.ErrorIs(t, Policy{Mode: "yolo"}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{MinRisk: 42}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{AlwaysRequire: []string{"x"}, NeverRequire: []string{"x"}}.Validate(), ErrInvalidPolicy)

	_, err := NewGate(Policy{Mode: "yolo"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
