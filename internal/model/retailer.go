package model

import "strings"

// RetailerSchemaVersion is the only retailer profile schema this build understands.
const RetailerSchemaVersion = 1

// Default embedded-state globals probed when a profile lists none.
var DefaultStateVars = []string{"__NEXT_DATA__", "__INITIAL_STATE__", "__PRELOADED_STATE__"}

// RetailerProfile is the static, per-retailer configuration consumed by the
// extraction chain. Profiles are loaded once, validated, and never mutated.
type RetailerProfile struct {
	SchemaVersion int             `yaml:"schema_version" json:"schema_version"`
	ID            string          `yaml:"id" json:"id"`
	Name          string          `yaml:"name" json:"name"`
	ShortCode     string          `yaml:"short_code" json:"short_code"`
	BaseURL       string          `yaml:"base_url" json:"base_url"`
	Currency      string          `yaml:"currency" json:"currency"`
	Selectors     Selectors       `yaml:"selectors" json:"selectors"`
	StatePaths    []string        `yaml:"state_paths" json:"state_paths,omitempty"`
	StateVars     []string        `yaml:"state_vars" json:"state_vars,omitempty"`
	Search        SearchSelectors `yaml:"search" json:"search"`
	Flags         RetailerFlags   `yaml:"flags" json:"flags"`
}

// Selectors lists CSS selectors tried in order for each field.
type Selectors struct {
	Price      []string `yaml:"price" json:"price"`
	PromoPrice []string `yaml:"promo_price" json:"promo_price,omitempty"`
	PromoText  []string `yaml:"promo_text" json:"promo_text,omitempty"`
	Title      []string `yaml:"title" json:"title,omitempty"`
}

// SearchSelectors drives discovery against a retailer search page.
// URLTemplate holds a {query} placeholder.
type SearchSelectors struct {
	URLTemplate string `yaml:"url_template" json:"url_template"`
	Item        string `yaml:"item" json:"item"`
	Title       string `yaml:"title" json:"title"`
	Link        string `yaml:"link" json:"link"`
	Price       string `yaml:"price" json:"price"`
	// Exclude lists path globs of result links that are not product pages.
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
}

// RetailerFlags are hints about how hostile or script-heavy a retailer is.
type RetailerFlags struct {
	RequiresJS   bool `yaml:"requires_js" json:"requires_js"`
	KnownAntiBot bool `yaml:"known_anti_bot" json:"known_anti_bot"`
}

// EffectiveStateVars returns the embedded-state globals to probe.
func (p RetailerProfile) EffectiveStateVars() []string {
	if len(p.StateVars) > 0 {
		return p.StateVars
	}
	return DefaultStateVars
}

// Prefix returns the identifier prefix used for discovered candidates: the
// short code, or the first four letters of the name upper-cased.
func (p RetailerProfile) Prefix() string {
	if p.ShortCode != "" {
		return p.ShortCode
	}
	var out []rune
	for _, r := range p.Name {
		if r == '\'' || r == ' ' {
			continue
		}
		out = append(out, r)
		if len(out) == 4 {
			break
		}
	}
	return strings.ToUpper(string(out))
}
