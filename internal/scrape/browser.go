package scrape

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/extract"
)

// Rendered is the outcome of rendering one page in a headless browser.
type Rendered struct {
	URL     string
	HTML    string
	Cookies []*http.Cookie
}

// Renderer drives a headless browser. Every Render call owns its browser
// process for the duration of the call and tears it down before returning,
// on every path.
type Renderer interface {
	Name() string
	Render(ctx context.Context, target string, cookies []*http.Cookie) (*Rendered, error)
}

// RendererOptions configures the headless browser.
type RendererOptions struct {
	// ExecPath points at a Chrome/Chromium binary; empty lets the engine find one.
	ExecPath  string
	UserAgent string
	// Settle is an extra wait after load for client-side price rendering.
	Settle time.Duration
}

// NewRenderer returns the renderer for engine ("chromedp", "rod" or "none").
// "none" returns a nil Renderer, which disables the browser tier.
func NewRenderer(engine string, opts RendererOptions) (Renderer, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = BrowserHeaders().Headers["User-Agent"]
	}
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", "chromedp":
		return &ChromeRenderer{opts: opts}, nil
	case "rod":
		return &RodRenderer{opts: opts}, nil
	case "none", "off":
		return nil, nil
	default:
		return nil, eris.Errorf("scrape: unknown browser engine %q", engine)
	}
}

// BrowserFetcher is the T4 fetcher. It hands the session's cookies to the
// renderer and stores the cookies the browser ends up with back into the jar.
type BrowserFetcher struct {
	renderer Renderer
}

// NewBrowserFetcher wraps a renderer as the browser tier.
func NewBrowserFetcher(r Renderer) *BrowserFetcher {
	return &BrowserFetcher{renderer: r}
}

func (f *BrowserFetcher) Tier() Tier { return TierBrowser }

// Fetch renders req.URL and returns the rendered DOM.
func (f *BrowserFetcher) Fetch(ctx context.Context, req FetchRequest) (*extract.Page, error) {
	fail := func(err error) error {
		return &TransportError{Tier: TierBrowser, URL: req.URL, Err: err}
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fail(eris.Wrap(err, "parse url"))
	}
	if err := req.Session.Wait(ctx); err != nil {
		return nil, fail(err)
	}

	rendered, err := f.renderer.Render(ctx, req.URL, req.Session.Cookies(u))
	if err != nil {
		return nil, fail(eris.Wrapf(err, "render with %s", f.renderer.Name()))
	}
	req.Session.SetCookies(u, rendered.Cookies)

	if strings.TrimSpace(rendered.HTML) == "" {
		return nil, fail(eris.New("empty document"))
	}
	if blocked, bt := DetectBlock(nil, []byte(rendered.HTML)); blocked {
		return nil, &BlockedError{Tier: TierBrowser, Type: bt, HTML: rendered.HTML}
	}

	pageURL := rendered.URL
	if pageURL == "" {
		pageURL = req.URL
	}
	page := extract.NewPage(pageURL, rendered.HTML)
	page.StatusCode = http.StatusOK
	return page, nil
}

// cookieDomain returns the cookie's domain, defaulting to the target host.
func cookieDomain(c *http.Cookie, target *url.URL) string {
	if c.Domain != "" {
		return c.Domain
	}
	return target.Hostname()
}

func cookiePath(c *http.Cookie) string {
	if c.Path != "" {
		return c.Path
	}
	return "/"
}
