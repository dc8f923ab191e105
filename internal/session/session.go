// Package session owns per-retailer transport state: the cookie jar shared by
// every tier, lazily built HTTP/1.1 and HTTP/2 clients, a politeness limiter
// and a hard-failure breaker.
package session

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// Options configures sessions created by a Manager.
type Options struct {
	// RatePerSecond is the initial politeness rate per retailer. Default: 1.
	RatePerSecond float64
	// Burst is the limiter burst size. Default: 2.
	Burst int
	// FailureThreshold is the number of consecutive exhausted chains after
	// which the session is invalidated. Default: 3.
	FailureThreshold int
	// ResetTimeout is how long an invalidated retailer stays cold before the
	// breaker allows a probe. Default: 1m.
	ResetTimeout time.Duration
	// DialTimeout bounds TCP connect and TLS handshake. Default: 10s.
	DialTimeout time.Duration

	// HTTP1Transport and HTTP2Transport override the tier transports. Tests
	// use them to point both tiers at httptest servers or httpmock.
	HTTP1Transport http.RoundTripper
	HTTP2Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.Burst <= 0 {
		o.Burst = 2
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = time.Minute
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

// Session is the transport state for one retailer. Clients are rebuilt
// lazily after Reset; the Session value itself lives for the process.
type Session struct {
	RetailerID string

	opts    Options
	limiter *AdaptiveLimiter

	mu          sync.Mutex
	jar         *cookiejar.Jar
	h1          *http.Client
	h2          *http.Client
	lastSuccess time.Time
	generation  int
}

func newSession(retailerID string, opts Options) *Session {
	return &Session{
		RetailerID: retailerID,
		opts:       opts,
		limiter:    NewAdaptiveLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

func (s *Session) jarLocked() *cookiejar.Jar {
	if s.jar == nil {
		// cookiejar.New only fails on a nil PublicSuffixList implementation.
		jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		s.jar = jar
	}
	return s.jar
}

// Jar returns the session cookie jar.
func (s *Session) Jar() http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jarLocked()
}

// HTTP1 returns the HTTP/1.1 client used by the plain and protected tiers.
// Request deadlines come from the caller's context.
func (s *Session) HTTP1() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h1 == nil {
		rt := s.opts.HTTP1Transport
		if rt == nil {
			rt = &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: s.opts.DialTimeout}).DialContext,
				TLSHandshakeTimeout: s.opts.DialTimeout,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				// Pin HTTP/1.1; the http2 tier has its own transport.
				TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
			}
		}
		s.h1 = &http.Client{Transport: rt, Jar: s.jarLocked()}
	}
	return s.h1
}

// HTTP2 returns the HTTP/2 client. It shares the cookie jar with HTTP1 so
// clearance cookies earned by a lower tier carry over.
func (s *Session) HTTP2() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h2 == nil {
		rt := s.opts.HTTP2Transport
		if rt == nil {
			rt = &http2.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				ReadIdleTimeout: 30 * time.Second,
				PingTimeout:     s.opts.DialTimeout,
			}
		}
		s.h2 = &http.Client{Transport: rt, Jar: s.jarLocked()}
	}
	return s.h2
}

// Cookies returns a copy of the cookies the jar would send to u.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	src := s.Jar().Cookies(u)
	out := make([]*http.Cookie, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	return out
}

// SetCookies stores cookies collected outside the HTTP clients (the browser
// tier) so later requests reuse them.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	s.Jar().SetCookies(u, cookies)
}

// Wait blocks on the politeness limiter.
func (s *Session) Wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "session: rate limit wait for %s", s.RetailerID)
	}
	return nil
}

// Limiter exposes the adaptive limiter for 429/2xx feedback.
func (s *Session) Limiter() *AdaptiveLimiter { return s.limiter }

// OnStatus feeds an HTTP status back into the limiter.
func (s *Session) OnStatus(code int) {
	switch {
	case code == http.StatusTooManyRequests:
		s.limiter.OnRateLimit(s.RetailerID)
	case code >= 200 && code < 300:
		s.limiter.OnSuccess()
	}
}

// LastSuccess returns the time of the last successful chain, zero if none.
func (s *Session) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}

// Generation counts how many times the session was reset.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) markSuccess(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSuccess = at
}

// reset drops the jar and clients; they are rebuilt on next use.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range []*http.Client{s.h1, s.h2} {
		if c != nil {
			c.CloseIdleConnections()
		}
	}
	s.jar = nil
	s.h1 = nil
	s.h2 = nil
	s.generation++
}
