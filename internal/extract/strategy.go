package extract

import (
	"sort"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

// Kind tags a strategy. Strategies always run in ascending Kind order.
type Kind int

const (
	KindCSS Kind = iota
	KindStructuredData
	KindEmbeddedState
	KindRegex
)

func (k Kind) String() string {
	switch k {
	case KindCSS:
		return "css"
	case KindStructuredData:
		return "structured-data"
	case KindEmbeddedState:
		return "embedded-state"
	case KindRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Result is what one strategy made of one page.
type Result struct {
	Kind        Kind
	Matched     bool
	Fragment    price.Fragment
	PromoAmount *price.Amount
	PromoText   string
	// Evidence is the text the strategy looked at, clipped for logging.
	Evidence string
	// Failure is set when text was found but the price parser rejected it.
	Failure *price.Failure
}

// Strategy extracts a price from a page using one technique.
type Strategy interface {
	Kind() Kind
	Extract(page *Page, profile model.RetailerProfile) Result
}

// Default returns every built-in strategy in evaluation order.
func Default() []Strategy {
	return []Strategy{CSS{}, StructuredData{}, EmbeddedState{}, Regex{}}
}

// Run evaluates strategies in order and stops at the first match. It returns
// the winning result (Matched=false when none matched) and every result
// produced along the way.
func Run(page *Page, profile model.RetailerProfile, strategies []Strategy) (Result, []Result) {
	ordered := make([]Strategy, len(strategies))
	copy(ordered, strategies)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Kind() < ordered[j].Kind() })

	trail := make([]Result, 0, len(ordered))
	for _, s := range ordered {
		res := s.Extract(page, profile)
		res.Kind = s.Kind()
		trail = append(trail, res)
		if res.Matched {
			return res, trail
		}
	}
	return Result{}, trail
}

func noMatch(k Kind, evidence string, fail *price.Failure) Result {
	return Result{Kind: k, Evidence: evidence, Failure: fail}
}
