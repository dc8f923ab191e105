package feed

import (
	"strings"

	"github.com/sells-group/pricescout/internal/model"
)

var modeAliases = map[string]model.TargetMode{
	"":             model.ModePriceLookup,
	"price":        model.ModePriceLookup,
	"lookup":       model.ModePriceLookup,
	"price-lookup": model.ModePriceLookup,
	"price_lookup": model.ModePriceLookup,
	"discovery":    model.ModeDiscovery,
	"discover":     model.ModeDiscovery,
	"search":       model.ModeDiscovery,
}

// Normalize trims fields and resolves mode aliases. A target with no mode
// but a search term and no URL is treated as discovery. Unknown modes are
// kept as written so the batch can report them per target.
func Normalize(t model.ScrapeTarget) model.ScrapeTarget {
	t.RetailerID = strings.ToLower(strings.TrimSpace(t.RetailerID))
	t.URL = strings.TrimSpace(t.URL)
	t.SearchTerm = strings.TrimSpace(t.SearchTerm)
	t.ProductID = strings.TrimSpace(t.ProductID)

	raw := strings.ToLower(strings.TrimSpace(string(t.Mode)))
	if raw == "" && t.URL == "" && t.SearchTerm != "" {
		raw = "discovery"
	}
	if m, ok := modeAliases[raw]; ok {
		t.Mode = m
	} else {
		t.Mode = model.TargetMode(raw)
	}
	if t.MaxResults < 0 {
		t.MaxResults = 0
	}
	return t
}

// Known reports whether the mode is one the engine handles.
func Known(m model.TargetMode) bool {
	return m == model.ModePriceLookup || m == model.ModeDiscovery
}
