// Package discovery finds new products on retailer search pages and mints
// stable identifiers for them.
package discovery

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/extract"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
	"github.com/sells-group/pricescout/internal/scrape"
)

// DefaultTerm is searched when a caller gives no term.
const DefaultTerm = "paper tissue"

// maxSuffix bounds the collision suffix search.
const maxSuffix = 1000

// Candidate results counted in metrics.
const (
	resultNew      = "new"
	resultKnown    = "known"
	resultFiltered = "filtered"
)

// Catalog answers which candidate identifiers are already taken. Discovery
// only reads it; persisting new candidates is the caller's job.
type Catalog interface {
	// LookupCandidate returns the candidate stored under id, or nil when
	// there is none.
	LookupCandidate(ctx context.Context, id string) (*model.DiscoveredCandidate, error)
}

// Options tunes an Engine.
type Options struct {
	// DefaultTerm replaces an empty search term. Default: "paper tissue".
	DefaultTerm string
	// MaxResults bounds candidates per search when the caller gives none. Default: 5.
	MaxResults int
	// CacheSize bounds the identifier cache. Default: 4096.
	CacheSize int
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.DefaultTerm) == "" {
		o.DefaultTerm = DefaultTerm
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 5
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
	return o
}

// Result is what one discovery run found.
type Result struct {
	RetailerID string
	Term       string
	SearchURL  string
	Tier       scrape.Tier
	// Candidates are the newly minted candidates, in page order.
	Candidates []model.DiscoveredCandidate
	// Known lists identifiers of listings that were discovered before.
	Known []string
	// Filtered counts listings dropped by the link filter.
	Filtered int
	Attempts []model.ExtractionAttempt
	RawPage  string
}

// known is what the cache remembers about a taken identifier.
type known struct {
	retailerID string
	title      string
}

// Engine runs discovery searches through the extraction chain.
type Engine struct {
	chain   *scrape.Chain
	catalog Catalog
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	// mu makes check-and-claim of identifiers atomic within the process.
	mu    sync.Mutex
	cache *lru.Cache[string, known]
}

// NewEngine creates an Engine. catalog may be nil, in which case only
// identifiers minted by this engine count as taken.
func NewEngine(chain *scrape.Chain, catalog Catalog, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	cache, err := lru.New[string, known](opts.CacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: create cache")
	}
	return &Engine{
		chain:   chain,
		catalog: catalog,
		opts:    opts,
		now:     time.Now,
		cache:   cache,
	}, nil
}

// WithMetrics enables Prometheus recording.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// SearchURL fills the {query} placeholder of a search template. The term is
// query-escaped when the placeholder sits in the query string and
// path-escaped otherwise.
func SearchURL(template, term string) (string, error) {
	i := strings.Index(template, "{query}")
	if i < 0 {
		return "", eris.Errorf("search template %q has no {query} placeholder", template)
	}
	term = strings.Join(strings.Fields(term), " ")
	escaped := url.PathEscape(term)
	if q := strings.Index(template, "?"); q >= 0 && q < i {
		escaped = url.QueryEscape(term)
	}
	return strings.ReplaceAll(template, "{query}", escaped), nil
}

// Discover searches retailerID for term and mints candidates for the first
// max listings on the results page. Listings discovered before are reported
// in Result.Known and never re-minted. Errors wrap scrape.ErrConfiguration
// or are *scrape.ExhaustedError.
func (e *Engine) Discover(ctx context.Context, retailerID, term string, max int) (*Result, error) {
	if strings.TrimSpace(term) == "" {
		term = e.opts.DefaultTerm
	}
	if max <= 0 {
		max = e.opts.MaxResults
	}
	log := zap.L().With(zap.String("retailer", retailerID), zap.String("term", term))

	profile, err := e.chain.Registry().Get(retailerID)
	if err != nil {
		return nil, eris.Wrap(scrape.ErrConfiguration, err.Error())
	}
	if profile.Search.URLTemplate == "" {
		return nil, eris.Wrapf(scrape.ErrConfiguration, "retailer %q has no search template", retailerID)
	}
	searchURL, err := SearchURL(profile.Search.URLTemplate, term)
	if err != nil {
		return nil, eris.Wrap(scrape.ErrConfiguration, err.Error())
	}

	filter := NewLinkFilter(profile.BaseURL, profile.Search.Exclude)
	var (
		listings []extract.Listing
		filtered int
	)
	accept := func(page *extract.Page) scrape.Verdict {
		all := extract.ExtractListings(page, profile, 0)
		kept := make([]extract.Listing, 0, len(all))
		for _, l := range all {
			if filter.Allowed(l.URL) {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			return scrape.Verdict{Strategy: "listing", Evidence: "no product listings"}
		}
		listings, filtered = kept, len(all)-len(kept)
		return scrape.Verdict{OK: true, Strategy: "listing"}
	}

	target := model.ScrapeTarget{
		RetailerID: retailerID,
		URL:        searchURL,
		Mode:       model.ModeDiscovery,
		SearchTerm: term,
		MaxResults: max,
	}
	fr, err := e.chain.Fetch(ctx, target, accept)
	if err != nil {
		log.Warn("discovery: search failed", zap.Error(err))
		return nil, err
	}

	res := &Result{
		RetailerID: retailerID,
		Term:       term,
		SearchURL:  searchURL,
		Tier:       fr.Tier,
		Filtered:   filtered,
		Attempts:   fr.Attempts,
		RawPage:    fr.Page.HTML,
	}
	for range filtered {
		e.metrics.IncCandidate(retailerID, resultFiltered)
	}

	if len(listings) > max {
		listings = listings[:max]
	}
	prefix := profile.Prefix()
	for _, l := range listings {
		id, fresh, err := e.claim(ctx, retailerID, prefix, l.Title)
		if err != nil {
			return nil, err
		}
		if !fresh {
			res.Known = append(res.Known, id)
			e.metrics.IncCandidate(retailerID, resultKnown)
			continue
		}
		c := model.DiscoveredCandidate{
			ID:         id,
			RetailerID: retailerID,
			Title:      l.Title,
			URL:        l.URL,
			Quote:      e.firstQuote(profile, fr.Tier, l),
		}
		res.Candidates = append(res.Candidates, c)
		e.metrics.IncCandidate(retailerID, resultNew)
	}

	log.Info("discovery: search complete",
		zap.String("tier", fr.Tier.String()),
		zap.Int("listings", len(listings)),
		zap.Int("new", len(res.Candidates)),
		zap.Int("known", len(res.Known)),
		zap.Int("filtered", filtered),
	)
	return res, nil
}

// Handle runs a discovery target and folds the result into an Outcome.
func (e *Engine) Handle(ctx context.Context, target model.ScrapeTarget) model.Outcome {
	out := model.Outcome{Target: target}
	res, err := e.Discover(ctx, target.RetailerID, target.SearchTerm, target.MaxResults)
	if err != nil {
		var ex *scrape.ExhaustedError
		switch {
		case errors.Is(err, scrape.ErrConfiguration):
			out.Status = model.StatusConfig
			out.Reason = err.Error()
		case errors.As(err, &ex):
			out.Status = model.StatusExhausted
			out.Reason = ex.Reason
			out.Attempts = ex.Attempts
			out.RawPage = ex.RawPage
		default:
			out.Status = model.StatusExhausted
			out.Reason = err.Error()
		}
		e.metrics.IncOutcome(target.RetailerID, string(out.Status))
		return out
	}
	out.Status = model.StatusSuccess
	out.Target.URL = res.SearchURL
	out.Candidates = res.Candidates
	out.Attempts = res.Attempts
	out.RawPage = &res.RawPage
	e.metrics.IncOutcome(target.RetailerID, string(out.Status))
	return out
}

// claim finds the identifier for title. It returns fresh=false with the
// existing id when the same retailer already has a listing with the same
// normalized title, otherwise it reserves and returns the first free id.
func (e *Engine) claim(ctx context.Context, retailerID, prefix, title string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	norm := NormalizeTitle(title)
	base := BaseID(prefix, title)
	for n := 0; n <= maxSuffix; n++ {
		id := base
		if n > 0 {
			id = withSuffix(base, n)
		}
		k, taken, err := e.lookup(ctx, id)
		if err != nil {
			return "", false, err
		}
		if !taken {
			e.cache.Add(id, known{retailerID: retailerID, title: norm})
			return id, true, nil
		}
		if k.retailerID == retailerID && k.title == norm {
			return id, false, nil
		}
	}
	return "", false, eris.Errorf("discovery: no free identifier for %q after %d suffixes", base, maxSuffix)
}

// lookup checks the cache, then the catalog. Only taken identifiers are cached.
func (e *Engine) lookup(ctx context.Context, id string) (known, bool, error) {
	if k, ok := e.cache.Get(id); ok {
		return k, true, nil
	}
	if e.catalog == nil {
		return known{}, false, nil
	}
	c, err := e.catalog.LookupCandidate(ctx, id)
	if err != nil {
		return known{}, false, eris.Wrapf(err, "discovery: lookup %s", id)
	}
	if c == nil {
		return known{}, false, nil
	}
	k := known{retailerID: c.RetailerID, title: NormalizeTitle(c.Title)}
	e.cache.Add(id, k)
	return k, true, nil
}

// firstQuote turns a listing price into the candidate's first observation.
func (e *Engine) firstQuote(profile model.RetailerProfile, tier scrape.Tier, l extract.Listing) *model.PriceQuote {
	if l.Price == nil || l.Price.Amount <= 0 {
		return nil
	}
	cur := l.Price.Currency
	if cur == "" {
		cur = profile.Currency
	}
	q := &model.PriceQuote{
		Amount:     l.Price.Amount,
		Currency:   cur,
		SourceURL:  l.URL,
		ObservedAt: e.now().UTC(),
		Producer:   tier.String() + "/" + l.Source.String(),
	}
	q.Snapshot = "Discovered: " + l.Title + " @ " + price.Format(q.Amount, q.Currency)
	return q
}
