package agentloop

import (
	"unicode/utf8"
)

// bytesPerToken is the rough size of one token used by every budget in the
// package.
const bytesPerToken = 4

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (len(s) + bytesPerToken - 1) / bytesPerToken
}

// TruncateToTokens cuts s from the end so that it fits in budget tokens.
// The cut never splits a UTF-8 sequence. It reports whether anything was
// removed.
func TruncateToTokens(s string, budget int) (string, bool) {
	if budget < 0 {
		budget = 0
	}
	limit := budget * bytesPerToken
	if len(s) <= limit {
		return s, false
	}
	return cutBytes(s, limit), true
}

// cutBytes returns the longest prefix of s of at most n bytes that does not
// split a UTF-8 sequence.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// budgetUtilization calculates the used/total ratio.
func budgetUtilization(used, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total)
}
