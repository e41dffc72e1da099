package compaction

import (
	"sort"
	"strings"
	"unicode"
)

// Snippet is a window of lines from a stored payload.
type Snippet struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Score     int    `json:"score"`
	Text      string `json:"text"`
}

// Snippets scores each line of content by how many query terms it contains
// and returns up to max non-overlapping windows of +/- around lines centred on
// the best lines, ordered by position. Line numbers are 1-based.
func Snippets(content, query string, around, max int) []Snippet {
	terms := queryTerms(query)
	if len(terms) == 0 || max <= 0 {
		return nil
	}
	if around < 0 {
		around = 0
	}
	lines := strings.Split(content, "\n")

	type scored struct{ idx, score int }
	var hits []scored
	for i, line := range lines {
		lower := strings.ToLower(line)
		score := 0
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		if score > 0 {
			hits = append(hits, scored{i, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	var out []Snippet
	covered := make([]bool, len(lines))
	for _, h := range hits {
		if len(out) >= max {
			break
		}
		if covered[h.idx] {
			continue
		}
		start, end := h.idx-around, h.idx+around
		if start < 0 {
			start = 0
		}
		if end >= len(lines) {
			end = len(lines) - 1
		}
		for i := start; i <= end; i++ {
			covered[i] = true
		}
		out = append(out, Snippet{
			StartLine: start + 1,
			EndLine:   end + 1,
			Score:     h.score,
			Text:      strings.Join(lines[start:end+1], "\n"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartLine < out[j].StartLine })
	return out
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}
