package extract

import (
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

// Regex scans the raw markup for currency-marked amounts. It is the last
// static resort and only accepts amounts that carry an explicit symbol or
// code, since bare decimals in markup are mostly dimensions and versions.
// Zero amounts such as an empty basket total in the header are skipped.
type Regex struct{}

func (Regex) Kind() Kind { return KindRegex }

func (Regex) Extract(page *Page, profile model.RetailerProfile) Result {
	if page.HTML == "" {
		return noMatch(KindRegex, "", nil)
	}
	for _, frag := range price.Scan(page.HTML, profile.Currency) {
		if frag.Explicit && frag.Amount > 0 {
			return Result{Kind: KindRegex, Matched: true, Fragment: frag, Evidence: clip(frag.Matched, 120)}
		}
	}
	frag, fail := price.Parse(page.HTML, profile.Currency)
	if fail != nil {
		if fail.Reason == price.ReasonNoNumericMatch && fail.Detail == "" {
			return noMatch(KindRegex, "", nil)
		}
		return noMatch(KindRegex, "", fail)
	}
	return noMatch(KindRegex, clip(frag.Matched, 120), nil)
}
