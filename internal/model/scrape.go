package model

import (
	"time"

	"github.com/sells-group/pricescout/internal/price"
)

// TargetMode selects what a scrape target is asking for.
type TargetMode string

const (
	ModePriceLookup TargetMode = "price-lookup"
	ModeDiscovery   TargetMode = "discovery"
)

// ScrapeTarget is one unit of work: a retailer plus a product page URL, or a
// search term when discovering.
type ScrapeTarget struct {
	RetailerID string     `yaml:"retailer" json:"retailer"`
	URL        string     `yaml:"url" json:"url,omitempty"`
	Mode       TargetMode `yaml:"mode" json:"mode"`
	SearchTerm string     `yaml:"search_term" json:"search_term,omitempty"`
	MaxResults int        `yaml:"max_results" json:"max_results,omitempty"`
	// ProductID is the caller's key for this target in audit exports.
	ProductID string `yaml:"product_id" json:"product_id,omitempty"`
}

// Key returns the identifier used to key this target in reports.
func (t ScrapeTarget) Key() string {
	if t.ProductID != "" {
		return t.ProductID
	}
	if t.Mode == ModeDiscovery {
		return t.RetailerID + ":search:" + t.SearchTerm
	}
	return t.RetailerID + ":" + t.URL
}

// AttemptOutcome is the result of a single transport or strategy attempt.
type AttemptOutcome string

const (
	OutcomeMatched        AttemptOutcome = "matched"
	OutcomeNoMatch        AttemptOutcome = "no-match"
	OutcomeTransportError AttemptOutcome = "transport-error"
)

// ExtractionAttempt records one fetch on one tier and what the strategies
// made of it.
type ExtractionAttempt struct {
	Tier     string         `json:"tier"`
	Attempt  int            `json:"attempt"`
	Strategy string         `json:"strategy,omitempty"`
	Outcome  AttemptOutcome `json:"outcome"`
	Elapsed  time.Duration  `json:"elapsed"`
	Delay    time.Duration  `json:"delay,omitempty"`
	Evidence string         `json:"evidence,omitempty"`
	Error    string         `json:"error,omitempty"`
	// ParseFailure is set when a strategy matched text the price parser rejected.
	ParseFailure string `json:"parse_failure,omitempty"`
}

// PriceQuote is a normalized price observation.
type PriceQuote struct {
	Amount      price.Amount  `json:"amount"`
	Currency    string        `json:"currency"`
	PromoAmount *price.Amount `json:"promo_amount,omitempty"`
	PromoText   string        `json:"promo_text,omitempty"`
	SourceURL   string        `json:"source_url"`
	ObservedAt  time.Time     `json:"observed_at"`
	// Producer is "<tier>/<strategy>".
	Producer string `json:"producer"`
	// Snapshot is a short human-readable summary of what was scraped.
	Snapshot string `json:"snapshot,omitempty"`
}

// DiscoveredCandidate is a product found on a retailer search page.
type DiscoveredCandidate struct {
	ID         string      `json:"id"`
	RetailerID string      `json:"retailer"`
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	Quote      *PriceQuote `json:"quote,omitempty"`
}

// Status is the terminal state of a target.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusExhausted Status = "exhausted"
	StatusConfig    Status = "configuration-error"
)

// Outcome is everything known about one target after processing.
type Outcome struct {
	Target     ScrapeTarget          `json:"target"`
	Status     Status                `json:"status"`
	Quote      *PriceQuote           `json:"quote,omitempty"`
	Candidates []DiscoveredCandidate `json:"candidates,omitempty"`
	Attempts   []ExtractionAttempt   `json:"attempts"`
	Reason     string                `json:"reason,omitempty"`
	// RawPage is the last page body fetched for this target, if any.
	RawPage *string `json:"-"`
	// Seq is the submission index within a batch.
	Seq int `json:"-"`
}

// Succeeded reports whether the target reached a Success state.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}
