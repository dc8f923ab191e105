package price

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/currency"
)

// Reason classifies why text could not be turned into a price.
type Reason string

const (
	ReasonNoNumericMatch    Reason = "no-numeric-match"
	ReasonAmbiguousCurrency Reason = "ambiguous-currency"
)

// Failure is the typed result of an unparseable input. Parse never panics
// or returns a bare error; every rejection is one of these.
type Failure struct {
	Reason Reason
	Input  string
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("price: %s (%s): %q", f.Reason, f.Detail, truncate(f.Input, 80))
	}
	return fmt.Sprintf("price: %s: %q", f.Reason, truncate(f.Input, 80))
}

// Fragment is a parsed amount with its resolved currency.
type Fragment struct {
	Amount   Amount
	Currency string
	// Matched is the exact substring the amount was read from.
	Matched string
	// Explicit is true when the currency came from the text itself.
	Explicit bool
}

// Detail values attached to no-numeric-match failures.
const (
	DetailMalformedFraction = "malformed-fraction"
	DetailOutOfRange        = "out-of-range"
	DetailNegative          = "negative"
)

// amountRe: optional sign, optional leading symbol or code, optional sign,
// digits with optional thousands groups, optional fraction of any length
// after a point or comma (validated afterwards so that a bad fraction is
// rejected instead of truncated), optional trailing symbol or code.
var amountRe = regexp.MustCompile(`(?i)([-−])?(£|\$|€|\b(?:GBP|USD|EUR))?\s*([-−])?(\d{1,3}(?:,\d{3})+|\d+)(?:[.,](\d+))?(?:\s*(£|\$|€|\b(?:GBP|USD|EUR)\b))?`)

var symbolCurrency = map[string]string{
	"£": "GBP",
	"$": "USD",
	"€": "EUR",
}

type amountMatch struct {
	text     string
	prefix   string
	whole    string
	frac     string
	suffix   string
	negative bool
	end      int
}

// nextAmount finds the next amount in s at or after pos. A trailing marker
// that is directly followed by more digits belongs to the next amount and is
// left for the following scan.
func nextAmount(s string, pos int) (amountMatch, bool) {
	loc := amountRe.FindStringSubmatchIndex(s[pos:])
	if loc == nil {
		return amountMatch{}, false
	}
	for i := range loc {
		if loc[i] >= 0 {
			loc[i] += pos
		}
	}
	group := func(i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return s[loc[2*i]:loc[2*i+1]]
	}

	m := amountMatch{
		prefix: group(2),
		whole:  group(4),
		frac:   group(5),
		suffix: group(6),
		end:    loc[1],
	}
	start := loc[0]
	if group(1) != "" {
		// A dash glued to a word or number is a range or code separator.
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); start > 0 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			start = loc[3]
		} else {
			m.negative = true
		}
	}
	if group(3) != "" {
		m.negative = true
	}
	if m.suffix != "" {
		rest := strings.TrimLeft(s[m.end:], " \t")
		if rest != "" && rest[0] >= '0' && rest[0] <= '9' {
			m.suffix = ""
			m.end = loc[9]
			if loc[10] >= 0 {
				m.end = loc[11]
			}
		}
	}
	m.text = strings.TrimSpace(s[start:m.end])
	return m, true
}

// Parse extracts the first well-formed price from text. An amount carrying
// an explicit currency marker wins over an unmarked one; unmarked amounts
// fall back to declaredCurrency. Signed amounts are never prices.
func Parse(text, declaredCurrency string) (Fragment, *Failure) {
	norm := Normalize(text, declaredCurrency)

	var (
		firstMarked   *Fragment
		firstUnmarked *Fragment
		sawMalformed  bool
		sawOverflow   bool
		sawNegative   bool
	)
	for pos := 0; pos < len(norm); {
		m, ok := nextAmount(norm, pos)
		if !ok {
			break
		}
		pos = m.end
		if len(m.frac) != 2 {
			if m.frac != "" {
				sawMalformed = true
			}
			continue
		}
		if m.negative {
			sawNegative = true
			continue
		}
		amt, err := fromParts(strings.ReplaceAll(m.whole, ",", ""), m.frac)
		if err != nil {
			sawOverflow = true
			continue
		}
		frag := Fragment{Amount: amt, Matched: m.text}
		if code := markerCurrency(m.prefix, m.suffix); code != "" {
			frag.Currency = code
			frag.Explicit = true
			firstMarked = &frag
			break
		}
		if firstUnmarked == nil {
			firstUnmarked = &frag
		}
	}

	switch {
	case firstMarked != nil:
		return *firstMarked, nil
	case firstUnmarked != nil:
		code, ok := declared(declaredCurrency)
		if !ok {
			return Fragment{}, &Failure{Reason: ReasonAmbiguousCurrency, Input: text}
		}
		firstUnmarked.Currency = code
		return *firstUnmarked, nil
	case sawNegative:
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: text, Detail: DetailNegative}
	case sawMalformed:
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: text, Detail: DetailMalformedFraction}
	case sawOverflow:
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: text, Detail: DetailOutOfRange}
	default:
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: text}
	}
}

// Scan returns every well-formed unsigned amount in text, in document
// order. Only amounts with a currency marker in the text are Explicit;
// the rest carry declaredCurrency, or no currency if it is not valid.
func Scan(text, declaredCurrency string) []Fragment {
	norm := Normalize(text, declaredCurrency)
	fallback, _ := declared(declaredCurrency)

	var out []Fragment
	for pos := 0; pos < len(norm); {
		m, ok := nextAmount(norm, pos)
		if !ok {
			break
		}
		pos = m.end
		if len(m.frac) != 2 || m.negative {
			continue
		}
		amt, err := fromParts(strings.ReplaceAll(m.whole, ",", ""), m.frac)
		if err != nil {
			continue
		}
		frag := Fragment{Amount: amt, Currency: fallback, Matched: m.text}
		if code := markerCurrency(m.prefix, m.suffix); code != "" {
			frag.Currency = code
			frag.Explicit = true
		}
		out = append(out, frag)
	}
	return out
}

var numericRe = regexp.MustCompile(`^\s*([-−+])?(\d+)(?:\.(\d+))?\s*$`)

// ParseNumeric handles machine-readable values such as JSON-LD "price": 3.6.
// Serialized numbers drop trailing zeros, so fractions shorter than two
// digits are padded; fractions that do not fit in whole cents are rejected.
func ParseNumeric(raw, currencyCode string) (Fragment, *Failure) {
	m := numericRe.FindStringSubmatch(raw)
	if m == nil {
		// Not a bare number: treat as display text.
		return Parse(raw, currencyCode)
	}
	if m[1] == "-" || m[1] == "−" {
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: raw, Detail: DetailNegative}
	}
	frac := strings.TrimRight(m[3], "0")
	if len(frac) > 2 {
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: raw, Detail: DetailMalformedFraction}
	}
	for len(frac) < 2 {
		frac += "0"
	}
	amt, err := fromParts(m[2], frac)
	if err != nil {
		return Fragment{}, &Failure{Reason: ReasonNoNumericMatch, Input: raw, Detail: DetailOutOfRange}
	}
	code, ok := declared(currencyCode)
	if !ok {
		return Fragment{}, &Failure{Reason: ReasonAmbiguousCurrency, Input: raw}
	}
	return Fragment{Amount: amt, Currency: code, Matched: strings.TrimSpace(raw), Explicit: currencyCode != ""}, nil
}

func markerCurrency(prefix, suffix string) string {
	for _, s := range []string{prefix, suffix} {
		if s == "" {
			continue
		}
		if code, ok := symbolCurrency[s]; ok {
			return code
		}
		return strings.ToUpper(s)
	}
	return ""
}

// declared validates a caller-supplied ISO 4217 code.
func declared(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", false
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

// ValidCurrency reports whether code is a recognised ISO 4217 currency.
func ValidCurrency(code string) bool {
	_, ok := declared(code)
	return ok
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
