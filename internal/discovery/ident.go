package discovery

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	idWords   = 3
	idSlugMax = 20
)

// NormalizeTitle lower-cases a title, strips punctuation and collapses
// whitespace. Two listings with the same normalized title are the same
// product for a retailer.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(strings.ToLower(title)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// BaseID derives the identifier for a title: the retailer prefix followed by
// the first three normalized title words joined by "-", cut to 20 characters.
func BaseID(prefix, title string) string {
	words := strings.Fields(NormalizeTitle(title))
	if len(words) > idWords {
		words = words[:idWords]
	}
	slug := strings.Join(words, "-")
	if r := []rune(slug); len(r) > idSlugMax {
		slug = string(r[:idSlugMax])
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "item"
	}
	return prefix + "-" + slug
}

// withSuffix returns base with the numeric collision suffix n (n >= 1).
func withSuffix(base string, n int) string {
	return base + "-" + strconv.Itoa(n)
}
