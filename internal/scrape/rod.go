package scrape

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RodRenderer renders pages with go-rod. Each call launches and kills its
// own browser.
type RodRenderer struct {
	opts RendererOptions
}

func (r *RodRenderer) Name() string { return "rod" }

// Render navigates to target with cookies preloaded and returns the DOM.
func (r *RodRenderer) Render(ctx context.Context, target string, cookies []*http.Cookie) (*Rendered, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, eris.Wrap(err, "rod: parse url")
	}

	l := launcher.New().Context(ctx).Headless(true).NoSandbox(true)
	if r.opts.ExecPath != "" {
		l = l.Bin(r.opts.ExecPath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "rod: launch")
	}
	defer l.Kill()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, eris.Wrap(err, "rod: connect")
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, eris.Wrap(err, "rod: open page")
	}
	defer func() { _ = page.Close() }()

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.opts.UserAgent}); err != nil {
		return nil, eris.Wrap(err, "rod: set user agent")
	}

	if len(cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(cookies))
		for _, c := range cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   cookieDomain(c, u),
				Path:     cookiePath(c),
				Secure:   c.Secure,
				HTTPOnly: c.HttpOnly,
			})
		}
		if err := page.SetCookies(params); err != nil {
			return nil, eris.Wrap(err, "rod: set cookies")
		}
	}

	if err := page.Navigate(target); err != nil {
		return nil, eris.Wrap(err, "rod: navigate")
	}
	if err := page.WaitLoad(); err != nil {
		return nil, eris.Wrap(err, "rod: wait load")
	}
	if r.opts.Settle > 0 {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "rod: settle")
		case <-time.After(r.opts.Settle):
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "rod: read html")
	}
	location := target
	if info, err := page.Info(); err == nil {
		location = info.URL
	}

	var out []*http.Cookie
	if jar, err := page.Cookies([]string{target}); err == nil {
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
	}
	zap.L().Debug("rod: rendered page",
		zap.String("url", location),
		zap.Int("bytes", len(html)),
		zap.Int("cookies", len(out)),
	)
	return &Rendered{URL: location, HTML: html, Cookies: out}, nil
}
