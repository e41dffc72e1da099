package compaction

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summarizer produces the bounded, human-readable stand-in for a payload
// that was moved to the artifact store.
type Summarizer interface {
	Summarize(ctx context.Context, in Input, info PayloadInfo) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, in Input, info PayloadInfo) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, in Input, info PayloadInfo) (string, error) {
	return f(ctx, in, info)
}

// PayloadInfo describes the payload being summarized.
type PayloadInfo struct {
	Size     int
	MIME     string
	Category Category
}

// HeadSummarizer keeps a head preview plus extracted highlight lines.
// It is deterministic: the same input always yields the same summary.
type HeadSummarizer struct {
	PreviewBytes  int
	MaxHighlights int
}

// Summarize implements Summarizer.
func (h HeadSummarizer) Summarize(_ context.Context, in Input, info PayloadInfo) (string, error) {
	var sb strings.Builder
	if info.Category != CategoryBinary {
		preview := clip(in.Content, h.PreviewBytes)
		sb.WriteString(strings.TrimRight(preview, "\n"))
	} else {
		fmt.Fprintf(&sb, "(binary payload, %s)", info.MIME)
	}

	if hl := Highlights(in.Content, info.Category, h.MaxHighlights); len(hl) > 0 {
		sb.WriteString("\n\nKey points:")
		for _, line := range hl {
			sb.WriteString("\n- ")
			sb.WriteString(line)
		}
	}
	return sb.String(), nil
}

// clip returns the longest prefix of s that is at most n bytes and ends on a
// rune boundary.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Marker is the explicit omission notice carried by every pointer entry.
func Marker(omitted int, id string) string {
	return fmt.Sprintf("[%d bytes omitted, artifact id %s]", omitted, id)
}
