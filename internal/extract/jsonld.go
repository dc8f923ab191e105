package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

const maxJSONDepth = 32

// StructuredData reads schema.org Product/Offer blocks embedded as JSON-LD.
type StructuredData struct{}

func (StructuredData) Kind() Kind { return KindStructuredData }

func (StructuredData) Extract(page *Page, profile model.RetailerProfile) Result {
	var lastFail *price.Failure
	var lastEvidence string
	for _, block := range jsonLDBlocks(page) {
		raw, cur, ok := findOffer(block, 0)
		if !ok {
			continue
		}
		if cur == "" {
			cur = profile.Currency
		}
		frag, fail := price.ParseNumeric(raw, cur)
		evidence := clip(`price=`+raw+` currency=`+cur, 120)
		if fail != nil {
			lastFail, lastEvidence = fail, evidence
			continue
		}
		return Result{Kind: KindStructuredData, Matched: true, Fragment: frag, Evidence: evidence}
	}
	return noMatch(KindStructuredData, lastEvidence, lastFail)
}

// jsonLDBlocks returns every valid JSON-LD script body on the page.
func jsonLDBlocks(page *Page) []gjson.Result {
	doc, err := page.Doc()
	if err != nil {
		return nil
	}
	var out []gjson.Result
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" || !gjson.Valid(text) {
			return
		}
		out = append(out, gjson.Parse(text))
	})
	return out
}

// findOffer walks a JSON-LD value for the first Product or Offer price.
func findOffer(r gjson.Result, depth int) (raw, currency string, ok bool) {
	if depth > maxJSONDepth {
		return "", "", false
	}
	if r.IsArray() {
		for _, el := range r.Array() {
			if raw, currency, ok = findOffer(el, depth+1); ok {
				return raw, currency, true
			}
		}
		return "", "", false
	}
	if !r.IsObject() {
		return "", "", false
	}

	typ := member(r, "@type")
	switch {
	case hasType(typ, "Product", "ProductGroup"):
		if raw, currency, ok = offerPrice(r.Get("offers"), depth+1); ok {
			return raw, currency, true
		}
	case hasType(typ, "Offer", "AggregateOffer"):
		if raw, currency, ok = offerPrice(r, depth+1); ok {
			return raw, currency, true
		}
	}
	if graph := member(r, "@graph"); graph.Exists() {
		return findOffer(graph, depth+1)
	}
	if main := r.Get("mainEntity"); main.Exists() {
		return findOffer(main, depth+1)
	}
	return "", "", false
}

func offerPrice(o gjson.Result, depth int) (raw, currency string, ok bool) {
	if depth > maxJSONDepth || !o.Exists() {
		return "", "", false
	}
	if o.IsArray() {
		for _, el := range o.Array() {
			if raw, currency, ok = offerPrice(el, depth+1); ok {
				return raw, currency, true
			}
		}
		return "", "", false
	}
	currency = o.Get("priceCurrency").String()
	for _, key := range []string{"price", "lowPrice", "priceSpecification.price"} {
		v := o.Get(key)
		if v.Exists() && scalar(v) != "" {
			if currency == "" {
				currency = o.Get("priceSpecification.priceCurrency").String()
			}
			return scalar(v), currency, true
		}
	}
	if nested := o.Get("offers"); nested.Exists() {
		return offerPrice(nested, depth+1)
	}
	return "", "", false
}

// member looks up a key without gjson path syntax, since keys such as
// "@type" collide with modifier syntax.
func member(obj gjson.Result, key string) gjson.Result {
	var out gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			out = v
			return false
		}
		return true
	})
	return out
}

func hasType(typ gjson.Result, names ...string) bool {
	var vals []string
	if typ.IsArray() {
		for _, t := range typ.Array() {
			vals = append(vals, t.String())
		}
	} else if typ.Exists() {
		vals = append(vals, typ.String())
	}
	for _, v := range vals {
		v = strings.TrimPrefix(strings.TrimPrefix(v, "http://schema.org/"), "https://schema.org/")
		for _, n := range names {
			if strings.EqualFold(v, n) {
				return true
			}
		}
	}
	return false
}

// scalar returns the textual form of a number or string value.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		return v.Raw
	case gjson.String:
		return strings.TrimSpace(v.Str)
	default:
		return ""
	}
}
