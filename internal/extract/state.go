package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

// Keys that commonly hold a display price in client-side state.
var priceKeys = map[string]bool{
	"price":        true,
	"currentprice": true,
	"saleprice":    true,
	"nowprice":     true,
	"unitprice":    true,
	"amount":       true,
}

// EmbeddedState reads framework state serialized into the page
// (window.__INITIAL_STATE__ = {...}, Next.js __NEXT_DATA__ and the like).
type EmbeddedState struct{}

func (EmbeddedState) Kind() Kind { return KindEmbeddedState }

func (EmbeddedState) Extract(page *Page, profile model.RetailerProfile) Result {
	var lastFail *price.Failure
	var lastEvidence string
	for _, blob := range stateBlobs(page, profile.EffectiveStateVars()) {
		root := gjson.Parse(blob)

		for _, path := range profile.StatePaths {
			v := root.Get(path)
			if !v.Exists() {
				continue
			}
			frag, fail, evidence := stateValue(v, path, profile.Currency)
			if fail != nil {
				lastFail, lastEvidence = fail, evidence
				continue
			}
			return Result{Kind: KindEmbeddedState, Matched: true, Fragment: frag, Evidence: evidence}
		}

		if key, v, ok := walkForPrice(root, "", 0); ok {
			frag, fail, evidence := stateValue(v, key, profile.Currency)
			if fail != nil {
				lastFail, lastEvidence = fail, evidence
				continue
			}
			return Result{Kind: KindEmbeddedState, Matched: true, Fragment: frag, Evidence: evidence}
		}
	}
	return noMatch(KindEmbeddedState, lastEvidence, lastFail)
}

// stateValue converts a price-shaped state value. Objects of the form
// {"amount": 1.35, "currency": "GBP"} are accepted too.
func stateValue(v gjson.Result, path, declared string) (price.Fragment, *price.Failure, string) {
	cur := declared
	if v.IsObject() {
		if c := firstString(v, "currency", "currencyCode", "priceCurrency"); c != "" {
			cur = c
		}
		for _, k := range []string{"amount", "value", "price"} {
			if inner := v.Get(k); inner.Exists() && !inner.IsObject() {
				v = inner
				break
			}
		}
	}
	raw := scalar(v)
	evidence := clip(path+"="+raw, 120)
	if raw == "" {
		return price.Fragment{}, &price.Failure{Reason: price.ReasonNoNumericMatch, Input: v.Raw}, evidence
	}
	frag, fail := price.ParseNumeric(raw, cur)
	return frag, fail, evidence
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k); s.Type == gjson.String && s.Str != "" {
			return s.Str
		}
	}
	return ""
}

// walkForPrice does a depth-first search for the first key that looks like a
// price and carries a usable value.
func walkForPrice(r gjson.Result, path string, depth int) (string, gjson.Result, bool) {
	if depth > maxJSONDepth {
		return "", gjson.Result{}, false
	}
	var (
		foundPath string
		found     gjson.Result
		ok        bool
	)
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			p := joinPath(path, k.String())
			if priceKeys[strings.ToLower(k.String())] && priceLike(v) {
				foundPath, found, ok = p, v, true
				return false
			}
			if v.IsObject() || v.IsArray() {
				foundPath, found, ok = walkForPrice(v, p, depth+1)
				return !ok
			}
			return true
		})
	case r.IsArray():
		for i, el := range r.Array() {
			if foundPath, found, ok = walkForPrice(el, joinPath(path, strconv.Itoa(i)), depth+1); ok {
				break
			}
		}
	}
	return foundPath, found, ok
}

func priceLike(v gjson.Result) bool {
	switch v.Type {
	case gjson.Number:
		return v.Num > 0
	case gjson.String:
		return strings.ContainsAny(v.Str, "0123456789")
	}
	if v.IsObject() {
		for _, k := range []string{"amount", "value", "price"} {
			if inner := v.Get(k); inner.Type == gjson.Number || inner.Type == gjson.String {
				return true
			}
		}
	}
	return false
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// assignPattern matches "window.NAME =", "window["NAME"] =" and plain
// variable declarations.
func assignPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?:window\.|window\[["']|var\s+|let\s+|const\s+)?` + regexp.QuoteMeta(name) + `["']?\]?\s*=\s*`)
}

// stateBlobs collects the JSON text of every configured state global.
func stateBlobs(page *Page, vars []string) []string {
	doc, err := page.Doc()
	if err != nil {
		return nil
	}
	var blobs []string
	for _, name := range vars {
		// <script id="__NEXT_DATA__" type="application/json">{...}</script>
		doc.Find(`script#` + cssEscapeID(name)).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); gjson.Valid(text) {
				blobs = append(blobs, text)
			}
		})
	}
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if typ, _ := s.Attr("type"); typ == "application/ld+json" {
			return
		}
		text := s.Text()
		for _, name := range vars {
			if !strings.Contains(text, name) {
				continue
			}
			for _, loc := range assignPattern(name).FindAllStringIndex(text, -1) {
				if blob, ok := balancedJSON(text[loc[1]:]); ok {
					blobs = append(blobs, blob)
				}
			}
		}
	})
	return blobs
}

func cssEscapeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '_' || r == '-' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('\\')
		b.WriteRune(r)
	}
	return b.String()
}

// balancedJSON returns the object or array literal at the start of s, if it
// is valid JSON. String literals are honoured when matching brackets.
func balancedJSON(s string) (string, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				blob := s[:i+1]
				if gjson.Valid(blob) {
					return blob, true
				}
				return "", false
			}
		}
	}
	return "", false
}
