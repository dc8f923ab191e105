package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

// CSS reads the price from the retailer's configured selectors.
type CSS struct{}

func (CSS) Kind() Kind { return KindCSS }

func (CSS) Extract(page *Page, profile model.RetailerProfile) Result {
	doc, err := page.Doc()
	if err != nil || len(profile.Selectors.Price) == 0 {
		return noMatch(KindCSS, "", nil)
	}

	var lastFail *price.Failure
	var lastText string
	for _, sel := range profile.Selectors.Price {
		text := selectionText(doc.Find(sel).First())
		if text == "" {
			continue
		}
		frag, fail := price.Parse(text, profile.Currency)
		if fail != nil {
			lastFail, lastText = fail, text
			continue
		}
		res := Result{Kind: KindCSS, Matched: true, Fragment: frag, Evidence: clip(text, 120)}
		res.PromoAmount, res.PromoText = promo(doc, profile)
		return res
	}
	return noMatch(KindCSS, clip(lastText, 120), lastFail)
}

func promo(doc *goquery.Document, profile model.RetailerProfile) (*price.Amount, string) {
	var amt *price.Amount
	for _, sel := range profile.Selectors.PromoPrice {
		text := selectionText(doc.Find(sel).First())
		if text == "" {
			continue
		}
		if frag, fail := price.Parse(text, profile.Currency); fail == nil {
			a := frag.Amount
			amt = &a
			break
		}
	}
	var promoText string
	for _, sel := range profile.Selectors.PromoText {
		if text := selectionText(doc.Find(sel).First()); text != "" {
			promoText = clip(text, 200)
			break
		}
	}
	return amt, promoText
}

// selectionText prefers visible text and falls back to a content attribute,
// which microdata price elements often use instead.
func selectionText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if text := strings.TrimSpace(s.Text()); text != "" {
		return text
	}
	if v, ok := s.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
