package filter

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// MaxSearchBytes bounds the text any keyword is matched against.
const MaxSearchBytes = 64 * 1024

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// keywordMatcher matches validated keywords against one prepared text.
type keywordMatcher struct {
	text          string
	caseSensitive bool
}

func newKeywordMatcher(text string, caseSensitive bool) *keywordMatcher {
	text = truncateUTF8(text, MaxSearchBytes)
	if !caseSensitive {
		text = fold(text)
	}
	return &keywordMatcher{text: text, caseSensitive: caseSensitive}
}

// first returns the first keyword that matches, in list order.
func (m *keywordMatcher) first(keywords []string) (string, bool) {
	if m.text == "" {
		return "", false
	}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if m.match(kw) {
			return kw, true
		}
	}
	return "", false
}

func (m *keywordMatcher) match(keyword string) bool {
	pattern := keyword
	if !m.caseSensitive {
		pattern = fold(pattern)
	}
	if !strings.ContainsAny(pattern, "*?") {
		return strings.Contains(m.text, pattern)
	}
	return wildcardMatch("*"+pattern+"*", m.text)
}

// wildcardMatch reports whether the whole of text matches pattern, where '*'
// matches any run of runes and '?' exactly one. It backtracks only to the
// most recent '*', so the cost is bounded by len(pattern) * len(text).
func wildcardMatch(pattern, text string) bool {
	p := []rune(pattern)
	t := []rune(text)

	pi, ti := 0, 0
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = ti
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case star >= 0:
			pi = star + 1
			mark++
			ti = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
