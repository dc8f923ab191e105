// Package price normalizes scraped price text into exact fixed-point amounts.
package price

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Amount is a monetary value in minor units (pence, cents). It always
// renders with exactly two fraction digits.
type Amount int64

var amountLiteralRe = regexp.MustCompile(`^(\d+)\.(\d{2})$`)

// ParseAmount parses a canonical "123.45" literal.
func ParseAmount(s string) (Amount, error) {
	m := amountLiteralRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, eris.Errorf("price: invalid amount literal %q", s)
	}
	return fromParts(m[1], m[2])
}

func fromParts(whole, frac string) (Amount, error) {
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "price: whole part %q", whole)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "price: fraction part %q", frac)
	}
	if w > (1<<62)/100 {
		return 0, eris.Errorf("price: amount %s.%s out of range", whole, frac)
	}
	return Amount(w*100 + f), nil
}

// String renders the amount as "3.60".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	frac := strconv.FormatInt(v%100, 10)
	if len(frac) == 1 {
		frac = "0" + frac
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + frac
}

// MarshalJSON encodes the amount as a string so no float rounding can occur
// downstream.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts the string form produced by MarshalJSON.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return eris.Wrap(err, "price: amount must be a quoted string")
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Format renders the amount with its currency symbol ("£3.60"), or with the
// ISO code ("CHF 3.60") when no symbol is known.
func Format(a Amount, currencyCode string) string {
	for sym, code := range symbolCurrency {
		if code == currencyCode {
			return sym + a.String()
		}
	}
	if currencyCode == "" {
		return a.String()
	}
	return currencyCode + " " + a.String()
}
