package report

import (
	"html"
	"strings"
	"unicode"
)

// maxTextRunes clips untrusted text shown in summaries.
const maxTextRunes = 300

// Sanitize neutralizes untrusted retailer-sourced text for display: control
// characters are dropped, whitespace is collapsed, the result is clipped and
// markup characters are escaped.
func Sanitize(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\t', r == '\r':
			return ' '
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			return -1
		case unicode.In(r, unicode.Cf):
			return -1
		}
		return r
	}, s)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if r := []rune(cleaned); len(r) > maxTextRunes {
		cleaned = string(r[:maxTextRunes]) + "…"
	}
	return html.EscapeString(cleaned)
}
