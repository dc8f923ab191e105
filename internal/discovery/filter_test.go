package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkFilter_Allowed(t *testing.T) {
	t.Parallel()
	f := NewLinkFilter("https://groceries.asda.com", nil)

	tests := []struct {
		name    string
		url     string
		allowed bool
	}{
		{"product page", "https://groceries.asda.com/product/kleenex-tissues/910000", true},
		{"subdomain", "https://m.groceries.asda.com/product/x/1", true},
		{"recipe card", "https://groceries.asda.com/recipes/soup", false},
		{"promotion landing deep", "https://groceries.asda.com/promotions/2024/tissues", false},
		{"search page", "https://groceries.asda.com/search/tissue", false},
		{"root pdf", "https://groceries.asda.com/leaflet.pdf", false},
		{"other site", "https://ads.example.net/click?id=1", false},
		{"relative", "/product/x/1", false},
		{"invalid", "://invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.allowed, f.Allowed(tt.url))
		})
	}
}

func TestLinkFilter_CustomPatternsCaseInsensitive(t *testing.T) {
	f := NewLinkFilter("https://www.tesco.com", []string{"/Groceries/en-GB/Buylists/*"})

	assert.False(t, f.Allowed("https://www.tesco.com/groceries/en-gb/buylists/tissues"))
	assert.True(t, f.Allowed("https://www.tesco.com/groceries/en-GB/products/254656543"))
	assert.True(t, f.Allowed("https://tesco.com/groceries/en-GB/products/1"))
	assert.Equal(t, []string{"/groceries/en-gb/buylists/*"}, f.Patterns())
}

func TestLinkFilter_NoBaseURL(t *testing.T) {
	f := NewLinkFilter("", nil)
	assert.True(t, f.Allowed("https://anywhere.example/p/1"))
	assert.Equal(t, defaultExcludePatterns, f.Patterns())
}

func TestMatchSegmented(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		pattern string
		urlPath string
		match   bool
	}{
		{"exact glob", "/offers/*", "/offers/tissue", true},
		{"deep path", "/offers/*", "/offers/2024/01/tissue", true},
		{"root match", "/offers/*", "/offers", true},
		{"trailing slash", "/offers/*", "/offers/", true},
		{"no match", "/offers/*", "/product/1", false},
		{"pdf glob", "/*.pdf", "/leaflet.pdf", true},
		{"nested pdf", "/*.pdf", "/docs/leaflet.pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.match, matchSegmented(tt.pattern, tt.urlPath))
		})
	}
}
