package scrape

import (
	"context"
	"net/http"
	"net/url"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChromeRenderer renders pages with chromedp. Each call starts its own
// allocator and browser context.
type ChromeRenderer struct {
	opts RendererOptions
}

func (r *ChromeRenderer) Name() string { return "chromedp" }

// Render navigates to target with cookies preloaded and returns the DOM.
func (r *ChromeRenderer) Render(ctx context.Context, target string, cookies []*http.Cookie) (*Rendered, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, eris.Wrap(err, "chromedp: parse url")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Headless,
		chromedp.UserAgent(r.opts.UserAgent),
		chromedp.WindowSize(1366, 900),
	)
	if r.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   cookieDomain(c, u),
			Path:     cookiePath(c),
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}

	var (
		html     string
		location string
		jar      []*network.Cookie
	)
	tasks := chromedp.Tasks{network.Enable()}
	if len(params) > 0 {
		tasks = append(tasks, network.SetCookies(params))
	}
	tasks = append(tasks,
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
	)
	if r.opts.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(r.opts.Settle))
	}
	tasks = append(tasks,
		chromedp.OuterHTML("html", &html),
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			jar, err = network.GetCookies().WithURLs([]string{target}).Do(ctx)
			return err
		}),
	)

	if err := chromedp.Run(browserCtx, tasks); err != nil {
		return nil, eris.Wrap(err, "chromedp: run")
	}

	out := make([]*http.Cookie, 0, len(jar))
	for _, c := range jar {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	zap.L().Debug("chromedp: rendered page",
		zap.String("url", location),
		zap.Int("bytes", len(html)),
		zap.Int("cookies", len(out)),
	)
	return &Rendered{URL: location, HTML: html, Cookies: out}, nil
}
