// Package secrets redacts credentials from text before it is written to
// summaries, ledgers, or returned from delegated work.
package secrets

import (
	"fmt"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// DefaultRedaction is the marker prefix used in place of a detected secret.
const DefaultRedaction = "[REDACTED"

// Scrubber removes secrets from content.
type Scrubber interface {
	Scrub(content string) string
}

// Finding is a single detected secret.
type Finding struct {
	RuleID string
	Line   int
	Secret string
}

// Detector scrubs content using the gitleaks rule set.
type Detector struct {
	cfg gitleaksConfig.Config
}

// NewDetector loads the default gitleaks configuration once. Each scan gets
// its own gitleaks detector so findings do not accumulate across calls.
func NewDetector() (*Detector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks config: %w", err)
	}
	return &Detector{cfg: base.Config}, nil
}

// Findings returns the secrets found in content.
func (d *Detector) Findings(content string) []Finding {
	if d == nil || content == "" {
		return nil
	}
	raw := detect.NewDetector(d.cfg).DetectString(content)
	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: f.Secret})
	}
	return out
}

// Scrub replaces every detected secret with a [REDACTED:rule-id] marker.
func (d *Detector) Scrub(content string) string {
	findings := d.Findings(content)
	if len(findings) == 0 {
		return content
	}
	return replaceFindings(content, findings)
}

// replaceFindings substitutes longer secrets first so a secret that contains
// another is not partially replaced.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})
	for _, f := range sorted {
		marker := fmt.Sprintf("%s:%s]", DefaultRedaction, f.RuleID)
		content = strings.ReplaceAll(content, f.Secret, marker)
	}
	return content
}

// Nop is a Scrubber that returns content unchanged.
type Nop struct{}

// Scrub returns content unchanged.
func (Nop) Scrub(content string) string { return content }

// OrNop returns s, or a Nop scrubber when s is nil.
func OrNop(s Scrubber) Scrubber {
	if s == nil {
		return Nop{}
	}
	return s
}
