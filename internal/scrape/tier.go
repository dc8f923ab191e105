// Package scrape walks a retailer page through an escalating chain of
// transports (plain HTTP, protected HTTP, HTTP/2, headless browser) and runs
// the extraction strategies on every fetched page.
package scrape

import (
	"strings"
)

// Tier identifies one transport in the fallback chain. Tiers are tried in
// ascending order.
type Tier int

const (
	TierPlainHTTP Tier = iota + 1
	TierProtectedHTTP
	TierHTTP2
	TierBrowser
)

// AllTiers lists every tier in escalation order.
var AllTiers = []Tier{TierPlainHTTP, TierProtectedHTTP, TierHTTP2, TierBrowser}

func (t Tier) String() string {
	switch t {
	case TierPlainHTTP:
		return "plain-http"
	case TierProtectedHTTP:
		return "protected-http"
	case TierHTTP2:
		return "http2"
	case TierBrowser:
		return "browser"
	default:
		return "unknown"
	}
}

// Label returns the short form used in logs and reports ("T1".."T4").
func (t Tier) Label() string {
	if t < TierPlainHTTP || t > TierBrowser {
		return "T?"
	}
	return "T" + string(rune('0'+int(t)))
}

// ParseTier accepts either the name ("http2") or the label ("T3").
func ParseTier(s string) (Tier, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, t := range AllTiers {
		if s == t.String() || s == strings.ToLower(t.Label()) {
			return t, true
		}
	}
	return 0, false
}
