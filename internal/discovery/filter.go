package discovery

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns drop tiles that link to non-product pages: sponsored
// redirects, recipe cards and promotion landing pages mixed into results.
var defaultExcludePatterns = []string{
	"/search/*",
	"/recipes/*",
	"/promotions/*",
	"/offers/*",
	"/help/*",
	"/*.pdf",
}

// LinkFilter rejects listing URLs that do not point at a product page on the
// retailer's own site. Patterns are globs on the URL path; "/x/*" also
// matches deeper paths under /x.
type LinkFilter struct {
	patterns []string
	host     string
}

// NewLinkFilter builds a filter for the retailer at baseURL. With no
// patterns the defaults apply.
func NewLinkFilter(baseURL string, patterns []string) *LinkFilter {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	f := &LinkFilter{patterns: lowered}
	if u, err := url.Parse(baseURL); err == nil {
		f.host = strings.ToLower(u.Hostname())
	}
	return f
}

// Patterns returns the configured patterns.
func (f *LinkFilter) Patterns() []string {
	return f.patterns
}

// Allowed reports whether rawURL may be kept as a candidate.
func (f *LinkFilter) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if f.host != "" && !sameSite(strings.ToLower(u.Hostname()), f.host) {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range f.patterns {
		if matchSegmented(pattern, p) {
			return false
		}
	}
	return true
}

// sameSite accepts the retailer host itself and its subdomains.
func sameSite(host, retailerHost string) bool {
	if host == retailerHost {
		return true
	}
	root := strings.TrimPrefix(retailerHost, "www.")
	return host == root || strings.HasSuffix(host, "."+root)
}

// matchSegmented performs glob matching where "/blog/*" matches both
// "/blog/post" and "/blog/deep/nested/path".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}
	return false
}
