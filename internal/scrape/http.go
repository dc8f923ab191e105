package scrape

import (
	"context"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/session"
)

// maxBodyBytes caps how much of a page is read. Grocery product pages with
// inline state routinely exceed 1MB.
const maxBodyBytes = 4 << 20

// FetchRequest is what a tier needs to fetch one page.
type FetchRequest struct {
	URL     string
	Profile model.RetailerProfile
	Session *session.Session
}

// Fetcher obtains a page on one tier.
type Fetcher interface {
	Tier() Tier
	Fetch(ctx context.Context, req FetchRequest) (*extract.Page, error)
}

// HeaderProfile is the set of request headers a tier presents.
type HeaderProfile struct {
	Headers map[string]string
	// Referer sends the retailer's base URL as Referer.
	Referer bool
}

// MinimalHeaders identifies the client honestly with nothing extra.
func MinimalHeaders() HeaderProfile {
	return HeaderProfile{Headers: map[string]string{
		"User-Agent": "Mozilla/5.0 (compatible; pricescout/1.0)",
		"Accept":     "text/html,application/xhtml+xml",
	}}
}

// BrowserHeaders mirrors what a desktop Chrome sends on a top-level navigation.
func BrowserHeaders() HeaderProfile {
	return HeaderProfile{
		Referer: true,
		Headers: map[string]string{
			"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language":           "en-GB,en;q=0.9",
			"Cache-Control":             "no-cache",
			"Pragma":                    "no-cache",
			"Sec-Ch-Ua":                 `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
			"Sec-Ch-Ua-Mobile":          "?0",
			"Sec-Ch-Ua-Platform":        `"Windows"`,
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-Site":            "same-origin",
			"Sec-Fetch-User":            "?1",
			"Upgrade-Insecure-Requests": "1",
		},
	}
}

// HTTPFetcher fetches a page with one of the session's HTTP clients, detects
// blocks and decodes the body to UTF-8.
type HTTPFetcher struct {
	tier    Tier
	headers HeaderProfile
	client  func(*session.Session) *http.Client
}

// NewPlainFetcher is the T1 fetcher: HTTP/1.1, minimal headers.
func NewPlainFetcher() *HTTPFetcher {
	return &HTTPFetcher{tier: TierPlainHTTP, headers: MinimalHeaders(), client: (*session.Session).HTTP1}
}

// NewProtectedFetcher is the T2 fetcher: HTTP/1.1 with a browser header profile.
func NewProtectedFetcher() *HTTPFetcher {
	return &HTTPFetcher{tier: TierProtectedHTTP, headers: BrowserHeaders(), client: (*session.Session).HTTP1}
}

// NewHTTP2Fetcher is the T3 fetcher: HTTP/2 sharing the session jar.
func NewHTTP2Fetcher() *HTTPFetcher {
	return &HTTPFetcher{tier: TierHTTP2, headers: BrowserHeaders(), client: (*session.Session).HTTP2}
}

func (f *HTTPFetcher) Tier() Tier { return f.tier }

// Fetch performs one GET. Transport failures come back as *TransportError,
// challenge pages as *BlockedError.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*extract.Page, error) {
	fail := func(code int, err error) error {
		return &TransportError{Tier: f.tier, URL: req.URL, StatusCode: code, Err: err}
	}

	if err := req.Session.Wait(ctx); err != nil {
		return nil, fail(0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fail(0, eris.Wrap(err, "create request"))
	}
	for k, v := range f.headers.Headers {
		httpReq.Header.Set(k, v)
	}
	if f.headers.Referer && req.Profile.BaseURL != "" {
		httpReq.Header.Set("Referer", req.Profile.BaseURL)
	}

	resp, err := f.client(req.Session).Do(httpReq)
	if err != nil {
		return nil, fail(0, eris.Wrap(err, "fetch"))
	}
	defer func() { _ = resp.Body.Close() }()
	req.Session.OnStatus(resp.StatusCode)

	body, err := readBody(resp)
	if err != nil {
		return nil, fail(resp.StatusCode, resilience.NewTransientError(eris.Wrap(err, "read body"), resp.StatusCode))
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, &BlockedError{Tier: f.tier, Type: bt, HTML: string(body)}
	}

	if resp.StatusCode >= 400 {
		statusErr := eris.Errorf("unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, fail(resp.StatusCode, resilience.NewTransientError(statusErr, resp.StatusCode))
		}
		return nil, fail(resp.StatusCode, statusErr)
	}

	if len(body) == 0 {
		return nil, fail(resp.StatusCode, resilience.NewTransientError(eris.New("empty body"), resp.StatusCode))
	}

	pageURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		pageURL = resp.Request.URL.String()
	}
	page := extract.NewPage(pageURL, string(body))
	page.StatusCode = resp.StatusCode
	return page, nil
}

// readBody reads at most maxBodyBytes. Bodies that are not valid UTF-8 are
// decoded using the declared or sniffed charset.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if utf8.Valid(raw) {
		return raw, nil
	}
	enc, name, _ := charset.DetermineEncoding(raw, resp.Header.Get("Content-Type"))
	if name == "utf-8" {
		return raw, nil
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return raw, nil
	}
	return decoded, nil
}
