package compaction

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Category is a coarse content class used in digests.
type Category string

const (
	CategoryText   Category = "text"
	CategoryJSON   Category = "json"
	CategoryHTML   Category = "html"
	CategoryBinary Category = "binary"
)

// sourceURLWindow is how far into a payload DetectSourceURL looks.
const sourceURLWindow = 2000

var urlPattern = regexp.MustCompile("https?://[^\\s<>\"{}|\\\\^`\\[\\]]+")

// DetectSourceURL returns the first http(s) URL in the head of content, with
// trailing sentence punctuation removed, or "" if there is none.
func DetectSourceURL(content string) string {
	head := content
	if len(head) > sourceURLWindow {
		head = head[:sourceURLWindow]
	}
	return strings.TrimRight(urlPattern.FindString(head), ".,;:!?)'")
}

// DetectContent returns the MIME type and category of data.
func DetectContent(data []byte) (string, Category) {
	mt := mimetype.Detect(data)
	mime := mt.String()
	switch {
	case mt.Is("application/json"):
		return mime, CategoryJSON
	case mt.Is("text/html"):
		return mime, CategoryHTML
	case strings.HasPrefix(mime, "text/"):
		trimmed := strings.TrimSpace(string(data))
		if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
			return "application/json", CategoryJSON
		}
		return mime, CategoryText
	default:
		return mime, CategoryBinary
	}
}

var (
	highlightPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(error|exception|failed|failure|fatal|panic)\b`),
		regexp.MustCompile(`(?i)^\s*(summary|conclusion|result|total|warning)s?\s*[:\-]`),
		regexp.MustCompile(`^\s*#{1,6}\s+\S`),
		regexp.MustCompile(`^\s*(\d+[.)]|[-*•])\s+\S`),
	}
	htmlTag = regexp.MustCompile(`<[^>]+>`)
)

// maxHighlightLen bounds a single highlight line.
const maxHighlightLen = 160

// Highlights extracts up to limit salient lines from content, in document
// order. Error-like lines are preferred over structural ones.
func Highlights(content string, category Category, limit int) []string {
	if limit <= 0 {
		return nil
	}
	switch category {
	case CategoryBinary:
		return nil
	case CategoryJSON:
		if keys := jsonKeys(content); len(keys) > 0 {
			return []string{"keys: " + clip(strings.Join(keys, ", "), maxHighlightLen)}
		}
	case CategoryHTML:
		content = htmlTag.ReplaceAllString(content, "")
	}

	type hit struct {
		line, rank int
		text       string
	}
	var hits []hit
	seen := make(map[string]bool)
	for i, line := range strings.Split(content, "\n") {
		text := strings.TrimSpace(line)
		if text == "" || seen[text] {
			continue
		}
		for rank, p := range highlightPatterns {
			if p.MatchString(line) {
				hits = append(hits, hit{line: i, rank: rank, text: clip(text, maxHighlightLen)})
				seen[text] = true
				break
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].line < hits[j].line })

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out
}

func jsonKeys(content string) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(content), &arr); err == nil {
			return []string{"array[" + strconv.Itoa(len(arr)) + "]"}
		}
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
