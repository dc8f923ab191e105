package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

// Listing is one product tile found on a search results page.
type Listing struct {
	Title string
	URL   string
	Price *price.Fragment
	// Source is the kind of strategy that produced the listing.
	Source Kind
}

// ExtractListings reads up to max product tiles from a search page. Tiles
// without a title are skipped. It tries the retailer's search selectors and
// falls back to a JSON-LD ItemList. max <= 0 means no limit.
func ExtractListings(page *Page, profile model.RetailerProfile, max int) []Listing {
	if out := cssListings(page, profile, max); len(out) > 0 {
		return out
	}
	return itemListListings(page, profile, max)
}

func cssListings(page *Page, profile model.RetailerProfile, max int) []Listing {
	sel := profile.Search
	if sel.Item == "" {
		return nil
	}
	doc, err := page.Doc()
	if err != nil {
		return nil
	}

	var out []Listing
	doc.Find(sel.Item).EachWithBreak(func(_ int, tile *goquery.Selection) bool {
		titleSel := tile
		if sel.Title != "" {
			titleSel = tile.Find(sel.Title).First()
		}
		title := strings.Join(strings.Fields(titleSel.Text()), " ")
		if title == "" {
			return true
		}

		var href string
		if sel.Link != "" {
			href, _ = tile.Find(sel.Link).First().Attr("href")
		}
		if href == "" {
			href, _ = titleSel.Attr("href")
		}
		if href == "" {
			href, _ = tile.Find("a[href]").First().Attr("href")
		}

		l := Listing{Title: title, URL: resolve(page.URL, href), Source: KindCSS}
		if sel.Price != "" {
			if text := selectionText(tile.Find(sel.Price).First()); text != "" {
				if frag, fail := price.Parse(text, profile.Currency); fail == nil {
					l.Price = &frag
				}
			}
		}
		out = append(out, l)
		return max <= 0 || len(out) < max
	})
	return out
}

func itemListListings(page *Page, profile model.RetailerProfile, max int) []Listing {
	var out []Listing
	for _, block := range jsonLDBlocks(page) {
		collectItemList(block, page.URL, profile.Currency, max, &out, 0)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func collectItemList(r gjson.Result, base, currency string, max int, out *[]Listing, depth int) {
	if depth > maxJSONDepth || (max > 0 && len(*out) >= max) {
		return
	}
	if r.IsArray() {
		for _, el := range r.Array() {
			collectItemList(el, base, currency, max, out, depth+1)
		}
		return
	}
	if !r.IsObject() {
		return
	}
	if graph := member(r, "@graph"); graph.Exists() {
		collectItemList(graph, base, currency, max, out, depth+1)
	}
	if !hasType(member(r, "@type"), "ItemList") {
		return
	}
	for _, el := range r.Get("itemListElement").Array() {
		if max > 0 && len(*out) >= max {
			return
		}
		item := el
		if inner := el.Get("item"); inner.IsObject() {
			item = inner
		}
		title := strings.TrimSpace(item.Get("name").String())
		if title == "" {
			continue
		}
		link := item.Get("url").String()
		if link == "" {
			link = el.Get("url").String()
		}
		l := Listing{Title: title, URL: resolve(base, link), Source: KindStructuredData}
		if raw, cur, ok := offerPrice(item.Get("offers"), depth+1); ok {
			if cur == "" {
				cur = currency
			}
			if frag, fail := price.ParseNumeric(raw, cur); fail == nil {
				l.Price = &frag
			}
		}
		*out = append(*out, l)
	}
}

func resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}
