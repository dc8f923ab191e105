package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/registry"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/session"
)

// stubFetcher replays scripted results for one tier.
type stubFetcher struct {
	tier Tier
	fn   func(n int, req FetchRequest) (*extract.Page, error)

	mu       sync.Mutex
	calls    int
	sessions []*session.Session
}

func (s *stubFetcher) Tier() Tier { return s.tier }

func (s *stubFetcher) Fetch(_ context.Context, req FetchRequest) (*extract.Page, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.sessions = append(s.sessions, req.Session)
	s.mu.Unlock()
	return s.fn(n, req)
}

func (s *stubFetcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func pageWith(html string) func(int, FetchRequest) (*extract.Page, error) {
	return func(_ int, req FetchRequest) (*extract.Page, error) {
		return extract.NewPage(req.URL, html), nil
	}
}

func unavailable(tier Tier) func(int, FetchRequest) (*extract.Page, error) {
	return func(_ int, req FetchRequest) (*extract.Page, error) {
		return nil, &TransportError{
			Tier: tier, URL: req.URL, StatusCode: 503,
			Err: resilience.NewTransientError(errors.New("service unavailable"), 503),
		}
	}
}

func shopProfile() model.RetailerProfile {
	return model.RetailerProfile{
		SchemaVersion: model.RetailerSchemaVersion,
		ID:            "shop",
		Name:          "Shop",
		BaseURL:       "https://shop.example",
		Currency:      "GBP",
		Selectors:     model.Selectors{Price: []string{".price"}},
	}
}

func testRegistry(t *testing.T, profiles ...model.RetailerProfile) *registry.Registry {
	t.Helper()
	if len(profiles) == 0 {
		profiles = []model.RetailerProfile{shopProfile()}
	}
	reg, err := registry.New(profiles, model.RetailerSchemaVersion)
	require.NoError(t, err)
	return reg
}

func fastSessions() *session.Manager {
	return session.NewManager(session.Options{
		RatePerSecond:  1000,
		Burst:          100,
		HTTP2Transport: http.DefaultTransport,
	})
}

func msBackoff() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: 3,
		Schedule:    []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond},
	}
}

// stubChain builds a chain with the given tiers replaced by stubs.
func stubChain(t *testing.T, reg *registry.Registry, stubs ...*stubFetcher) *Chain {
	t.Helper()
	c := NewChain(reg, fastSessions(), nil, Options{Backoff: msBackoff()})
	for _, s := range stubs {
		c.WithFetcher(s)
	}
	return c
}

func tiersOf(atts []model.ExtractionAttempt) []string {
	out := make([]string, len(atts))
	for i, a := range atts {
		out[i] = a.Tier
	}
	return out
}

func TestChain_EscalationOrder(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: unavailable(TierPlainHTTP)}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: unavailable(TierProtectedHTTP)}
	t3 := &stubFetcher{tier: TierHTTP2, fn: pageWith(`<span class="price">£4.25</span>`)}
	t4 := &stubFetcher{tier: TierBrowser, fn: pageWith(`<span class="price">£9.99</span>`)}
	c := stubChain(t, testRegistry(t), t1, t2, t3, t4)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})

	require.Equal(t, model.StatusSuccess, out.Status, out.Reason)
	assert.Equal(t, []string{"plain-http", "protected-http", "protected-http", "protected-http", "http2"}, tiersOf(out.Attempts))
	assert.Equal(t, 0, t4.Calls())

	t2Attempts := out.Attempts[1:4]
	for i, a := range t2Attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, model.OutcomeTransportError, a.Outcome)
		assert.Empty(t, a.Strategy)
	}
	assert.Equal(t, 2*time.Millisecond, t2Attempts[0].Delay)
	assert.Equal(t, 4*time.Millisecond, t2Attempts[1].Delay)
	assert.Equal(t, 8*time.Millisecond, t2Attempts[2].Delay)

	require.NotNil(t, out.Quote)
	assert.Equal(t, "4.25", out.Quote.Amount.String())
	assert.Equal(t, "http2/css", out.Quote.Producer)
	assert.Equal(t, model.OutcomeMatched, out.Attempts[4].Outcome)
}

func TestChain_ProtectedTierStopsOnNoMatch(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<p>nothing here</p>`)}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: pageWith(`<p>still nothing</p>`)}
	t3 := &stubFetcher{tier: TierHTTP2, fn: pageWith(`<span class="price">£1.00</span>`)}
	c := stubChain(t, testRegistry(t), t1, t2, t3)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	require.True(t, out.Succeeded())
	assert.Equal(t, 1, t2.Calls())
	assert.Equal(t, time.Duration(0), out.Attempts[1].Delay)
}

func TestChain_ProtectedTierSkipsNonRetryableStatus(t *testing.T) {
	notFound := func(_ int, req FetchRequest) (*extract.Page, error) {
		return nil, &TransportError{Tier: TierProtectedHTTP, URL: req.URL, StatusCode: 404, Err: errors.New("unexpected status 404")}
	}
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<p>x</p>`)}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: notFound}
	t3 := &stubFetcher{tier: TierHTTP2, fn: pageWith(`<p>x</p>`)}
	c := stubChain(t, testRegistry(t), t1, t2, t3)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	assert.Equal(t, model.StatusExhausted, out.Status)
	assert.Equal(t, 1, t2.Calls())
	assert.Equal(t, []string{"plain-http", "protected-http", "http2"}, tiersOf(out.Attempts))
}

func TestChain_MorrisonsFirstTier(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Kleenex Tissues</title></head>
<body><h1>Kleenex Original Tissues</h1><p class="price">£3.60</p></body></html>`))
	}))
	defer srv.Close()

	reg, err := registry.Default()
	require.NoError(t, err)
	c := NewChain(reg, fastSessions(), nil, Options{Backoff: msBackoff()})

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "morrisons", URL: srv.URL + "/products/kleenex"})

	require.Equal(t, model.StatusSuccess, out.Status, out.Reason)
	require.Len(t, out.Attempts, 1)
	a := out.Attempts[0]
	assert.Equal(t, "plain-http", a.Tier)
	assert.Equal(t, 1, a.Attempt)
	assert.Equal(t, "css", a.Strategy)
	assert.Equal(t, model.OutcomeMatched, a.Outcome)
	assert.Zero(t, a.Delay)
	assert.Equal(t, int32(1), hits.Load())

	assert.Equal(t, "3.60", out.Quote.Amount.String())
	assert.Equal(t, "GBP", out.Quote.Currency)
	assert.Equal(t, "plain-http/css", out.Quote.Producer)
	assert.Equal(t, "£3.60", out.Quote.Snapshot)
	require.NotNil(t, out.RawPage)
	assert.Contains(t, *out.RawPage, "Kleenex")
}

func TestChain_LargePageOnCDNIsNotBlocked(t *testing.T) {
	page := `<html><head><title>Lager 4 x 440ml</title>
<script src="https://cdnjs.cloudflare.com/ajax/libs/jquery/3.7.1/jquery.min.js"></script></head>
<body><h1>Lager 4 x 440ml</h1><p class="price">£3.60</p>
<p>Challenge 25: you may be asked for ID on delivery.</p>` +
		strings.Repeat("<p>Brewed with barley, hops and water.</p>", 4000) + "</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "cloudflare")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	reg, err := registry.Default()
	require.NoError(t, err)
	c := NewChain(reg, fastSessions(), nil, Options{Backoff: msBackoff()})

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "morrisons", URL: srv.URL + "/products/lager"})

	require.Equal(t, model.StatusSuccess, out.Status, out.Reason)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, "plain-http", out.Attempts[0].Tier)
	assert.Equal(t, "3.60", out.Quote.Amount.String())
}

type fakeRenderer struct {
	html       string
	setCookies []*http.Cookie
	err        error

	mu         sync.Mutex
	gotCookies []*http.Cookie
	calls      int
}

func (f *fakeRenderer) Name() string { return "fake" }

func (f *fakeRenderer) Render(_ context.Context, target string, cookies []*http.Cookie) (*Rendered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotCookies = cookies
	if f.err != nil {
		return nil, f.err
	}
	return &Rendered{URL: target, HTML: f.html, Cookies: f.setCookies}, nil
}

func TestChain_AsdaNeedsBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "asda_session", Value: "s1", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>ASDA</title></head><body><div id="root"></div></body></html>`))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{html: `<html><body><div id="root"><h1>Soft Tissues</h1></div>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Product","name":"Soft Tissues",
"offers":{"@type":"Offer","price":"1.35","priceCurrency":"GBP"}}</script></body></html>`}

	reg, err := registry.Default()
	require.NoError(t, err)
	c := NewChain(reg, fastSessions(), renderer, Options{Backoff: msBackoff()})

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "asda", URL: srv.URL + "/product/soft-tissues"})

	require.Equal(t, model.StatusSuccess, out.Status, out.Reason)
	assert.Equal(t, []string{"plain-http", "protected-http", "http2", "browser"}, tiersOf(out.Attempts))
	for _, a := range out.Attempts[:3] {
		assert.Equal(t, model.OutcomeNoMatch, a.Outcome)
	}
	last := out.Attempts[3]
	assert.Equal(t, model.OutcomeMatched, last.Outcome)
	assert.Equal(t, "structured-data", last.Strategy)
	assert.Equal(t, "1.35", out.Quote.Amount.String())
	assert.Equal(t, "browser/structured-data", out.Quote.Producer)

	// The browser inherited the cookie earned by the HTTP tiers.
	require.Len(t, renderer.gotCookies, 1)
	assert.Equal(t, "asda_session", renderer.gotCookies[0].Name)
}

func TestChain_BlockedPageEscalates(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: func(_ int, req FetchRequest) (*extract.Page, error) {
		return nil, &BlockedError{Tier: TierPlainHTTP, Type: BlockCloudflare, HTML: "<html>Just a moment</html>"}
	}}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: pageWith(`<span class="price">£2.00</span>`)}
	c := stubChain(t, testRegistry(t), t1, t2)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	require.True(t, out.Succeeded())
	assert.Equal(t, model.OutcomeNoMatch, out.Attempts[0].Outcome)
	assert.Equal(t, "blocked:cloudflare", out.Attempts[0].Evidence)
	assert.Zero(t, out.Attempts[1].Delay)
	assert.Equal(t, 1, t2.Calls())
}

func TestChain_ParseFailureRecorded(t *testing.T) {
	bad := pageWith(`<span class="price">£3.6</span>`)
	c := stubChain(t, testRegistry(t),
		&stubFetcher{tier: TierPlainHTTP, fn: bad},
		&stubFetcher{tier: TierProtectedHTTP, fn: bad},
		&stubFetcher{tier: TierHTTP2, fn: bad},
	)
	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})

	assert.Equal(t, model.StatusExhausted, out.Status)
	assert.Equal(t, "no tier produced a match", out.Reason)
	require.Len(t, out.Attempts, 3)
	for _, a := range out.Attempts {
		assert.Equal(t, model.OutcomeNoMatch, a.Outcome)
		assert.Equal(t, "css", a.Strategy)
		assert.Contains(t, a.ParseFailure, "no-numeric-match")
	}
	require.NotNil(t, out.RawPage)
	assert.Nil(t, out.Quote)
}

func TestChain_ConfigurationError(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<span class="price">£1.00</span>`)}
	c := stubChain(t, testRegistry(t), t1)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "nope", URL: "https://shop.example/p/1"})
	assert.Equal(t, model.StatusConfig, out.Status)
	assert.Contains(t, out.Reason, "unknown retailer")
	assert.Empty(t, out.Attempts)
	assert.Nil(t, out.RawPage)

	out = c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "not a url"})
	assert.Equal(t, model.StatusConfig, out.Status)
	assert.Equal(t, 0, t1.Calls())

	_, err := c.Fetch(context.Background(), model.ScrapeTarget{RetailerID: "nope", URL: "https://x.example"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestChain_DeadlinePassed(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<span class="price">£1.00</span>`)}
	c := stubChain(t, testRegistry(t), t1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := c.Lookup(ctx, model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	assert.Equal(t, model.StatusExhausted, out.Status)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.Empty(t, out.Attempts)
	assert.Equal(t, 0, t1.Calls())
}

func TestChain_DeadlineMidChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: func(_ int, req FetchRequest) (*extract.Page, error) {
		cancel()
		return nil, &TransportError{Tier: TierPlainHTTP, URL: req.URL, Err: context.Canceled}
	}}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: pageWith(`<span class="price">£1.00</span>`)}
	c := stubChain(t, testRegistry(t), t1, t2)

	out := c.Lookup(ctx, model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.Len(t, out.Attempts, 1)
	assert.Equal(t, 0, t2.Calls())
}

func TestChain_SessionReuse(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<span class="price">£1.00</span>`)}
	c := stubChain(t, testRegistry(t), t1)
	target := model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"}

	require.True(t, c.Lookup(context.Background(), target).Succeeded())
	require.True(t, c.Lookup(context.Background(), target).Succeeded())

	require.Len(t, t1.sessions, 2)
	assert.Same(t, t1.sessions[0], t1.sessions[1])
	assert.False(t, c.Sessions().Client("shop").LastSuccess().IsZero())
}

func TestChain_SkipTiers(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<span class="price">£1.00</span>`)}
	t3 := &stubFetcher{tier: TierHTTP2, fn: pageWith(`<span class="price">£1.10</span>`)}
	c := NewChain(testRegistry(t), fastSessions(), nil, Options{
		Backoff:   msBackoff(),
		SkipTiers: []Tier{TierPlainHTTP, TierProtectedHTTP},
	})
	c.WithFetcher(t1).WithFetcher(t3)

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	require.True(t, out.Succeeded())
	assert.Equal(t, 0, t1.Calls())
	assert.Equal(t, "1.10", out.Quote.Amount.String())
}

func TestChain_ZeroAmountRejected(t *testing.T) {
	c := stubChain(t, testRegistry(t),
		&stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<span class="price">£0.00</span>`)},
		&stubFetcher{tier: TierProtectedHTTP, fn: pageWith(`<span class="price">£0.90</span>`)},
	)
	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	require.True(t, out.Succeeded())
	assert.Contains(t, out.Attempts[0].ParseFailure, "non-positive")
	assert.Equal(t, "0.90", out.Quote.Amount.String())
}

func TestChain_PromoSnapshot(t *testing.T) {
	p := shopProfile()
	p.Selectors.PromoPrice = []string{".promo"}
	p.Selectors.PromoText = []string{".offer"}
	c := stubChain(t, testRegistry(t, p), &stubFetcher{tier: TierPlainHTTP, fn: pageWith(
		`<span class="price">£3.60</span><span class="promo">£3.00</span><span class="offer">Clubcard Price</span>`)})

	out := c.Lookup(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"})
	require.True(t, out.Succeeded())
	assert.Equal(t, "£3.60 | promo: £3.00 | Clubcard Price", out.Quote.Snapshot)
}

func TestChain_HardFailuresInvalidateSession(t *testing.T) {
	none := pageWith(`<p>none</p>`)
	m := metrics.New()
	sessions := session.NewManager(session.Options{RatePerSecond: 1000, Burst: 100, FailureThreshold: 2})
	c := NewChain(testRegistry(t), sessions, nil, Options{Backoff: msBackoff()}).WithMetrics(m)
	c.WithFetcher(&stubFetcher{tier: TierPlainHTTP, fn: none}).
		WithFetcher(&stubFetcher{tier: TierProtectedHTTP, fn: none}).
		WithFetcher(&stubFetcher{tier: TierHTTP2, fn: none})

	target := model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/p/1"}
	c.Lookup(context.Background(), target)
	c.Lookup(context.Background(), target)

	assert.Equal(t, 1, sessions.Client("shop").Generation())
	assert.Equal(t, resilience.CircuitOpen, sessions.BreakerState("shop"))
}

func TestChain_FetchWithAccept(t *testing.T) {
	t1 := &stubFetcher{tier: TierPlainHTTP, fn: pageWith(`<ul></ul>`)}
	t2 := &stubFetcher{tier: TierProtectedHTTP, fn: pageWith(`<ul><li>one</li></ul>`)}
	t3 := &stubFetcher{tier: TierHTTP2, fn: pageWith(`<ul></ul>`)}
	c := stubChain(t, testRegistry(t), t1, t2, t3)

	accept := func(p *extract.Page) Verdict {
		doc, err := p.Doc()
		if err != nil || doc.Find("li").Length() == 0 {
			return Verdict{Evidence: "no listings"}
		}
		return Verdict{OK: true, Strategy: "listing", Evidence: "1 listing"}
	}
	fr, err := c.Fetch(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/search?q=x"}, accept)
	require.NoError(t, err)
	assert.Equal(t, TierProtectedHTTP, fr.Tier)
	assert.Len(t, fr.Attempts, 2)
	assert.Equal(t, "no listings", fr.Attempts[0].Evidence)

	t2.fn = pageWith(`<ul></ul>`)
	_, err = c.Fetch(context.Background(), model.ScrapeTarget{RetailerID: "shop", URL: "https://shop.example/search?q=y"}, accept)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.NotNil(t, ex.RawPage)
}

func TestTier_Labels(t *testing.T) {
	assert.Equal(t, "T1", TierPlainHTTP.Label())
	assert.Equal(t, "T4", TierBrowser.Label())
	assert.Equal(t, "T?", Tier(9).Label())
	tier, ok := ParseTier("http2")
	assert.True(t, ok)
	assert.Equal(t, TierHTTP2, tier)
	tier, ok = ParseTier("T4")
	assert.True(t, ok)
	assert.Equal(t, TierBrowser, tier)
	_, ok = ParseTier("carrier-pigeon")
	assert.False(t, ok)
}
