package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
	"github.com/sells-group/pricescout/internal/registry"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/session"
)

// ReasonTimeout is the exhaustion reason when the caller's deadline passed
// before a tier produced a result.
const ReasonTimeout = "timeout"

// Options tunes the fallback chain.
type Options struct {
	// TierTimeout bounds one attempt on the HTTP tiers. Default: 20s.
	TierTimeout time.Duration
	// BrowserTimeout bounds one browser render. Default: 60s.
	BrowserTimeout time.Duration
	// Backoff is the protected tier's retry schedule. Default: 2s, 4s, 8s
	// over 3 attempts.
	Backoff resilience.RetryConfig
	// SkipTiers disables tiers entirely.
	SkipTiers []Tier
	// Strategies overrides the extraction strategies. Default: extract.Default().
	Strategies []extract.Strategy
}

func (o Options) withDefaults() Options {
	if o.TierTimeout <= 0 {
		o.TierTimeout = 20 * time.Second
	}
	if o.BrowserTimeout <= 0 {
		o.BrowserTimeout = 60 * time.Second
	}
	if len(o.Backoff.Schedule) == 0 {
		o.Backoff = resilience.TierBackoff()
	}
	if o.Backoff.MaxAttempts <= 0 {
		o.Backoff.MaxAttempts = len(o.Backoff.Schedule)
	}
	if len(o.Strategies) == 0 {
		o.Strategies = extract.Default()
	}
	return o
}

// Verdict is an Accept function's judgement of a fetched page.
type Verdict struct {
	OK           bool
	Strategy     string
	Evidence     string
	ParseFailure string
}

// Accept inspects a fetched page and decides whether the walk can stop.
type Accept func(page *extract.Page) Verdict

// FetchResult is an accepted page and how it was obtained.
type FetchResult struct {
	Page     *extract.Page
	Tier     Tier
	Verdict  Verdict
	Attempts []model.ExtractionAttempt
}

// ExhaustedError is returned when every enabled tier ran without an
// accepted page.
type ExhaustedError struct {
	Reason   string
	Attempts []model.ExtractionAttempt
	// RawPage is the last body fetched, nil when no tier got that far.
	RawPage *string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("scrape: exhausted after %d attempts: %s", len(e.Attempts), e.Reason)
}

// Chain walks a target through the tiers in order, running the extraction
// strategies on every fetched page.
type Chain struct {
	registry *registry.Registry
	sessions *session.Manager
	fetchers map[Tier]Fetcher
	opts     Options
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewChain wires the standard tiers. A nil renderer disables the browser tier.
func NewChain(reg *registry.Registry, sessions *session.Manager, renderer Renderer, opts Options) *Chain {
	c := &Chain{
		registry: reg,
		sessions: sessions,
		fetchers: make(map[Tier]Fetcher),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
	c.WithFetcher(NewPlainFetcher())
	c.WithFetcher(NewProtectedFetcher())
	c.WithFetcher(NewHTTP2Fetcher())
	if renderer != nil {
		c.WithFetcher(NewBrowserFetcher(renderer))
	}
	return c
}

// WithFetcher installs or replaces the fetcher for f.Tier().
func (c *Chain) WithFetcher(f Fetcher) *Chain {
	c.fetchers[f.Tier()] = f
	return c
}

// WithMetrics enables Prometheus recording.
func (c *Chain) WithMetrics(m *metrics.Metrics) *Chain {
	c.metrics = m
	return c
}

// Registry returns the retailer registry the chain resolves targets with.
func (c *Chain) Registry() *registry.Registry { return c.registry }

// Sessions returns the session manager.
func (c *Chain) Sessions() *session.Manager { return c.sessions }

// Lookup obtains the current price for a price-lookup target. It never
// returns an error: every failure is folded into the Outcome.
func (c *Chain) Lookup(ctx context.Context, target model.ScrapeTarget) model.Outcome {
	out := model.Outcome{Target: target}
	log := zap.L().With(zap.String("retailer", target.RetailerID), zap.String("url", target.URL))

	profile, err := c.resolve(target)
	if err != nil {
		out.Status = model.StatusConfig
		out.Reason = err.Error()
		c.metrics.IncOutcome(target.RetailerID, string(out.Status))
		log.Warn("scrape: configuration error", zap.Error(err))
		return out
	}

	var won extract.Result
	accept := func(page *extract.Page) Verdict {
		res, trail := extract.Run(page, profile, c.opts.Strategies)
		c.countParseFailures(trail)
		if !res.Matched {
			return noMatchVerdict(trail)
		}
		if res.Fragment.Amount <= 0 {
			return Verdict{
				Strategy:     res.Kind.String(),
				Evidence:     res.Evidence,
				ParseFailure: "non-positive amount " + res.Fragment.Amount.String(),
			}
		}
		won = res
		return Verdict{OK: true, Strategy: res.Kind.String(), Evidence: res.Evidence}
	}

	fr, err := c.fetch(ctx, profile, target.URL, accept)
	if err != nil {
		return c.exhausted(out, err, log)
	}

	out.Status = model.StatusSuccess
	out.Attempts = fr.Attempts
	html := fr.Page.HTML
	out.RawPage = &html
	out.Quote = c.quote(profile, target.URL, fr.Tier, won)
	c.sessions.MarkSuccess(profile.ID)
	c.metrics.IncOutcome(profile.ID, string(out.Status))
	log.Info("scrape: price found",
		zap.String("producer", out.Quote.Producer),
		zap.String("amount", out.Quote.Amount.String()),
		zap.String("currency", out.Quote.Currency),
		zap.Int("attempts", len(out.Attempts)),
	)
	return out
}

// Fetch runs the tier walk for an arbitrary page, stopping at the first page
// accept approves. target.URL is the page to fetch. Errors are
// ErrConfiguration (wrapped) or *ExhaustedError.
func (c *Chain) Fetch(ctx context.Context, target model.ScrapeTarget, accept Accept) (*FetchResult, error) {
	profile, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	fr, err := c.fetch(ctx, profile, target.URL, accept)
	if err != nil {
		var ex *ExhaustedError
		if errors.As(err, &ex) && ex.Reason != ReasonTimeout {
			c.recordHardFailure(profile.ID)
		}
		return nil, err
	}
	c.sessions.MarkSuccess(profile.ID)
	return fr, nil
}

func (c *Chain) resolve(target model.ScrapeTarget) (model.RetailerProfile, error) {
	profile, err := c.registry.Get(target.RetailerID)
	if err != nil {
		return model.RetailerProfile{}, eris.Wrap(ErrConfiguration, err.Error())
	}
	u, err := url.Parse(target.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.RetailerProfile{}, eris.Wrapf(ErrConfiguration, "invalid target url %q", target.URL)
	}
	return profile, nil
}

func (c *Chain) exhausted(out model.Outcome, err error, log *zap.Logger) model.Outcome {
	out.Status = model.StatusExhausted
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		out.Attempts = ex.Attempts
		out.Reason = ex.Reason
		out.RawPage = ex.RawPage
	} else {
		out.Reason = err.Error()
	}
	if out.Reason != ReasonTimeout {
		c.recordHardFailure(out.Target.RetailerID)
	}
	c.metrics.IncOutcome(out.Target.RetailerID, string(out.Status))
	log.Warn("scrape: all tiers exhausted",
		zap.String("reason", out.Reason),
		zap.Int("attempts", len(out.Attempts)),
	)
	return out
}

func (c *Chain) recordHardFailure(retailerID string) {
	if c.sessions.RecordHardFailure(retailerID) {
		c.metrics.IncSessionReset(retailerID)
	}
}

// walk is the mutable state of one tier walk.
type walk struct {
	req      FetchRequest
	accept   Accept
	attempts []model.ExtractionAttempt
	raw      *string
	lastErr  error
}

func (c *Chain) fetch(ctx context.Context, profile model.RetailerProfile, target string, accept Accept) (*FetchResult, error) {
	sess, release, err := c.sessions.Acquire(ctx, profile.ID)
	if err != nil {
		return nil, &ExhaustedError{Reason: ReasonTimeout}
	}
	defer release()

	w := &walk{
		req:    FetchRequest{URL: target, Profile: profile, Session: sess},
		accept: accept,
	}

	prevTransport := false
	for _, tier := range AllTiers {
		f, ok := c.fetchers[tier]
		if !ok || c.skipped(tier) {
			continue
		}
		if ctx.Err() != nil {
			return nil, w.exhausted(ReasonTimeout)
		}

		var (
			page    *extract.Page
			verdict Verdict
		)
		if tier == TierProtectedHTTP {
			page, verdict = c.runProtected(ctx, f, w, prevTransport)
		} else {
			page, verdict, _ = c.attempt(ctx, f, w, 1, 0)
		}
		if page != nil && verdict.OK {
			return &FetchResult{Page: page, Tier: tier, Verdict: verdict, Attempts: w.attempts}, nil
		}
		if ctx.Err() != nil {
			return nil, w.exhausted(ReasonTimeout)
		}
		prevTransport = len(w.attempts) > 0 &&
			w.attempts[len(w.attempts)-1].Outcome == model.OutcomeTransportError
	}

	reason := "no tier produced a match"
	if w.lastErr != nil {
		reason = "all tiers exhausted: " + w.lastErr.Error()
	}
	return nil, w.exhausted(reason)
}

func (w *walk) exhausted(reason string) *ExhaustedError {
	return &ExhaustedError{Reason: reason, Attempts: w.attempts, RawPage: w.raw}
}

// errNoMatch ends the protected tier's retries: the page arrived, the price
// was not on it, and fetching it again would not change that.
var errNoMatch = eris.New("page fetched without a match")

// runProtected retries the protected tier on retryable transport errors.
// Attempt k waits Backoff.Schedule[k-1] first, except that the first
// attempt only waits when the previous tier ended in a transport error.
func (c *Chain) runProtected(ctx context.Context, f Fetcher, w *walk, prevTransport bool) (*extract.Page, Verdict) {
	cfg := c.opts.Backoff
	cfg.Schedule = append([]time.Duration(nil), cfg.Schedule...)
	if !prevTransport {
		cfg.Schedule[0] = 0
	}
	cfg.LeadingDelay = true
	cfg.ShouldRetry = retryableTransport
	cfg.OnRetry = resilience.RetryLogger("scrape", TierProtectedHTTP.String())

	var (
		n     int
		delay time.Duration
		page  *extract.Page
		v     Verdict
	)
	cfg.BeforeAttempt = func(attempt int, waited time.Duration) {
		n, delay = attempt, waited
	}

	_ = resilience.Do(ctx, cfg, func(ctx context.Context) error {
		p, verdict, err := c.attempt(ctx, f, w, n, delay)
		if err != nil {
			return err
		}
		page, v = p, verdict
		if !verdict.OK {
			return errNoMatch
		}
		return nil
	})
	return page, v
}

// attempt runs one fetch on one tier and records it. The returned error is
// non-nil only for transport failures.
func (c *Chain) attempt(ctx context.Context, f Fetcher, w *walk, n int, delay time.Duration) (*extract.Page, Verdict, error) {
	tier := f.Tier()
	timeout := c.opts.TierTimeout
	if tier == TierBrowser {
		timeout = c.opts.BrowserTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	page, err := f.Fetch(tctx, w.req)

	att := model.ExtractionAttempt{Tier: tier.String(), Attempt: n, Delay: delay}
	var verdict Verdict
	var blocked *BlockedError
	switch {
	case err == nil:
		html := page.HTML
		w.raw = &html
		verdict = w.accept(page)
		att.Strategy = verdict.Strategy
		att.Evidence = verdict.Evidence
		att.ParseFailure = verdict.ParseFailure
		if verdict.OK {
			att.Outcome = model.OutcomeMatched
		} else {
			att.Outcome = model.OutcomeNoMatch
			page = nil
		}
	case errors.As(err, &blocked):
		html := blocked.HTML
		w.raw = &html
		att.Outcome = model.OutcomeNoMatch
		att.Evidence = "blocked:" + string(blocked.Type)
		att.Error = err.Error()
		w.lastErr = err
		err = nil
	default:
		att.Outcome = model.OutcomeTransportError
		att.Error = err.Error()
		w.lastErr = err
	}
	att.Elapsed = c.now().Sub(start)
	w.attempts = append(w.attempts, att)

	c.metrics.ObserveAttempt(w.req.Profile.ID, tier.String(), string(att.Outcome), att.Elapsed, delay)
	zap.L().Debug("scrape: attempt",
		zap.String("retailer", w.req.Profile.ID),
		zap.String("tier", tier.Label()),
		zap.Int("attempt", n),
		zap.String("outcome", string(att.Outcome)),
		zap.String("strategy", att.Strategy),
		zap.Duration("delay", delay),
		zap.Duration("elapsed", att.Elapsed),
		zap.String("error", att.Error),
	)
	return page, verdict, err
}

func (c *Chain) skipped(t Tier) bool {
	for _, s := range c.opts.SkipTiers {
		if s == t {
			return true
		}
	}
	return false
}

func (c *Chain) countParseFailures(trail []extract.Result) {
	for _, r := range trail {
		if r.Failure != nil {
			c.metrics.IncParseFailure(r.Kind.String(), string(r.Failure.Reason))
		}
	}
}

// noMatchVerdict summarises a strategy trail in which nothing matched.
func noMatchVerdict(trail []extract.Result) Verdict {
	v := Verdict{Evidence: "no strategy matched"}
	for _, r := range trail {
		if r.Failure != nil {
			v.Strategy = r.Kind.String()
			v.ParseFailure = r.Failure.Error()
			if r.Evidence != "" {
				v.Evidence = r.Evidence
			}
			return v
		}
	}
	return v
}

func (c *Chain) quote(profile model.RetailerProfile, sourceURL string, tier Tier, res extract.Result) *model.PriceQuote {
	cur := res.Fragment.Currency
	if cur == "" {
		cur = profile.Currency
	}
	q := &model.PriceQuote{
		Amount:      res.Fragment.Amount,
		Currency:    cur,
		PromoAmount: res.PromoAmount,
		PromoText:   res.PromoText,
		SourceURL:   sourceURL,
		ObservedAt:  c.now().UTC(),
		Producer:    tier.String() + "/" + res.Kind.String(),
	}
	q.Snapshot = Snapshot(q)
	return q
}

// Snapshot renders a quote as "£3.60 | promo: £3.00 | 2 for £5".
func Snapshot(q *model.PriceQuote) string {
	parts := []string{price.Format(q.Amount, q.Currency)}
	if q.PromoAmount != nil {
		parts = append(parts, "promo: "+price.Format(*q.PromoAmount, q.Currency))
	}
	if t := strings.TrimSpace(q.PromoText); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " | ")
}
