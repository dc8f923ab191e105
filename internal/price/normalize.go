package price

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Known byte-mangled renderings of currency symbols, longest first.
var mojibake = strings.NewReplacer(
	"Ã‚Â£", "£",
	"Ã‚£", "£",
	"Â£", "£",
	"â‚¬", "€",
	"Ã¢â€šÂ¬", "€",
	"\u00a0", " ",
	"\u202f", " ",
)

var replacementBeforeDigit = regexp.MustCompile(`\x{FFFD}\s*(\d)`)

// Normalize repairs encoding damage so the amount pattern can see the
// currency symbol. Input that is not valid UTF-8 is assumed to be
// Windows-1252, which is what most mis-declared retailer pages turn out to be.
// A U+FFFD directly before a digit is read as a lost pound sign only when the
// retailer declares GBP.
func Normalize(text, declaredCurrency string) string {
	if !utf8.ValidString(text) {
		if decoded, err := charmap.Windows1252.NewDecoder().String(text); err == nil {
			text = decoded
		} else {
			text = strings.ToValidUTF8(text, "�")
		}
	}
	text = html.UnescapeString(text)
	text = mojibake.Replace(text)
	if strings.EqualFold(strings.TrimSpace(declaredCurrency), "GBP") {
		text = replacementBeforeDigit.ReplaceAllString(text, "£$1")
	}
	return text
}
