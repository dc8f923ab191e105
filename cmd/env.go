package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/discovery"
	"github.com/sells-group/pricescout/internal/feed"
	"github.com/sells-group/pricescout/internal/metrics"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/monitoring"
	"github.com/sells-group/pricescout/internal/publisher"
	"github.com/sells-group/pricescout/internal/registry"
	"github.com/sells-group/pricescout/internal/report"
	"github.com/sells-group/pricescout/internal/resilience"
	"github.com/sells-group/pricescout/internal/scrape"
	"github.com/sells-group/pricescout/internal/session"
	"github.com/sells-group/pricescout/internal/store"
)

// engineEnv holds the wired engine and its optional sinks for the
// scrape/discover/serve commands.
type engineEnv struct {
	cfg       *config.Config
	Registry  *registry.Registry
	Sessions  *session.Manager
	Chain     *scrape.Chain
	Discovery *discovery.Engine
	Metrics   *metrics.Metrics
	Store     store.Store         // may be nil
	Publisher publisher.Publisher // may be nil
	Alerter   *monitoring.Alerter // nil without a webhook
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Publisher != nil {
		_ = e.Publisher.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine loads profiles, opens the configured store and publisher and
// wires the engine. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := registry.LoadFile(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}

	renderer, err := scrape.NewRenderer(cfg.Browser.Engine, scrape.RendererOptions{
		ExecPath: cfg.Browser.ExecPath,
		Settle:   time.Duration(cfg.Browser.SettleMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	var pub publisher.Publisher
	if cfg.Redis.Enabled {
		p, err := publisher.NewRedisPublisher(ctx, publisher.RedisConfig{
			Addr:         cfg.Redis.Addr,
			DB:           cfg.Redis.DB,
			Password:     cfg.Redis.Password,
			StreamPrefix: cfg.Redis.StreamPrefix,
			MaxLen:       cfg.Redis.MaxLen,
		})
		if err != nil {
			if st != nil {
				_ = st.Close()
			}
			return nil, err
		}
		pub = p
	}

	env, err := newEngineEnv(cfg, reg, renderer, st, pub)
	if err != nil {
		if pub != nil {
			_ = pub.Close()
		}
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	zap.L().Info("engine ready",
		zap.Int("retailers", reg.Len()),
		zap.String("browser", cfg.Browser.Engine),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("publisher", pub != nil),
	)
	return env, nil
}

// initStore opens and migrates the configured store. Driver "none" yields a
// nil store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "none", "":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newEngineEnv wires the chain and discovery engine from already-opened
// collaborators.
func newEngineEnv(c *config.Config, reg *registry.Registry, renderer scrape.Renderer, st store.Store, pub publisher.Publisher) (*engineEnv, error) {
	m := metrics.New()

	sessions := session.NewManager(session.Options{
		RatePerSecond:    c.Session.RatePerSecond,
		Burst:            c.Session.Burst,
		FailureThreshold: c.Session.FailureThreshold,
		ResetTimeout:     time.Duration(c.Session.ResetTimeoutSecs) * time.Second,
		DialTimeout:      time.Duration(c.Session.DialTimeoutSecs) * time.Second,
	})

	var skip []scrape.Tier
	for _, s := range c.Scrape.SkipTiers {
		t, ok := scrape.ParseTier(s)
		if !ok {
			return nil, eris.Errorf("unknown tier %q in scrape.skip_tiers", s)
		}
		skip = append(skip, t)
	}

	chain := scrape.NewChain(reg, sessions, renderer, scrape.Options{
		TierTimeout:    time.Duration(c.Scrape.TierTimeoutSecs) * time.Second,
		BrowserTimeout: time.Duration(c.Scrape.BrowserTimeoutSecs) * time.Second,
		Backoff:        resilience.FromSchedule(len(c.Scrape.BackoffMs), c.Scrape.BackoffMs),
		SkipTiers:      skip,
	}).WithMetrics(m)

	var catalog discovery.Catalog
	if st != nil {
		catalog = st
	}
	disc, err := discovery.NewEngine(chain, catalog, discovery.Options{
		DefaultTerm: c.Discovery.DefaultTerm,
		MaxResults:  c.Discovery.MaxResults,
		CacheSize:   c.Discovery.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	disc.WithMetrics(m)

	var alerter *monitoring.Alerter
	if c.Monitor.WebhookURL != "" {
		alerter = monitoring.NewAlerter(c.Monitor)
	}

	return &engineEnv{
		cfg:       c,
		Registry:  reg,
		Sessions:  sessions,
		Chain:     chain,
		Discovery: disc,
		Metrics:   m,
		Store:     st,
		Publisher: pub,
		Alerter:   alerter,
	}, nil
}

// handle dispatches a target to the chain or the discovery engine by mode.
func (e *engineEnv) handle(ctx context.Context, t model.ScrapeTarget) model.Outcome {
	switch t.Mode {
	case model.ModeDiscovery:
		return e.Discovery.Handle(ctx, t)
	case model.ModePriceLookup, "":
		return e.Chain.Lookup(ctx, t)
	default:
		e.Metrics.IncOutcome(t.RetailerID, string(model.StatusConfig))
		return model.Outcome{
			Target: t,
			Status: model.StatusConfig,
			Reason: "unknown target mode " + string(t.Mode),
		}
	}
}

// retailerNames maps registry ids to display names for reports.
func (e *engineEnv) retailerNames() map[string]string {
	names := make(map[string]string, e.Registry.Len())
	for _, id := range e.Registry.IDs() {
		if p, err := e.Registry.Get(id); err == nil {
			names[id] = p.Name
		}
	}
	return names
}

// record persists and publishes one outcome. Sink failures are logged and
// never fail the target.
func (e *engineEnv) record(ctx context.Context, runID string, o model.Outcome) {
	if !o.Succeeded() {
		return
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("target", o.Target.Key()))
	if e.Store != nil {
		err := resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
			return store.RecordOutcome(ctx, e.Store, runID, o)
		})
		if err != nil {
			log.Error("store: record outcome failed", zap.Error(err))
		}
	}
	if e.Publisher != nil {
		if err := e.Publisher.Publish(ctx, runID, o); err != nil {
			log.Error("publisher: publish failed", zap.Error(err))
		}
	}
}

// runBatch processes targets and returns the completed batch.
func (e *engineEnv) runBatch(ctx context.Context, targets []model.ScrapeTarget, deadline time.Duration) *report.Batch {
	b := report.NewBatch(e.retailerNames())
	log := zap.L().With(zap.String("run_id", b.RunID))
	log.Info("batch: starting", zap.Int("targets", len(targets)))

	scrape.RunBatch(ctx, targets, e.handle, scrape.BatchOptions{
		Concurrency: e.cfg.Scrape.Concurrency,
		Deadline:    deadline,
		OnOutcome: func(o model.Outcome) {
			b.Add(o)
			e.record(ctx, b.RunID, o)
		},
	})
	b.Finish()
	e.Metrics.IncBatch()

	sum := b.Summary()
	if e.Store != nil {
		if err := e.Store.SaveRun(ctx, sum); err != nil {
			log.Error("store: save run failed", zap.Error(err))
		}
	}
	if e.Alerter != nil {
		e.Alerter.Check(ctx, sum)
	}
	log.Info("batch: complete",
		zap.Int("attempted", sum.Attempted),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.String("success_rate", sum.SuccessRateText()),
	)
	return b
}

// feedOptions builds loader options from config and flags.
func feedOptions(c *config.Config, format, sheet string) feed.Options {
	return feed.Options{
		Format: feed.Format(format),
		Sheet:  sheet,
		HTTP:   feed.HTTPOptions{Timeout: time.Duration(c.Feed.TimeoutSecs) * time.Second},
		FTP:    feed.FTPOptions{Timeout: time.Duration(c.Feed.TimeoutSecs) * time.Second},
	}
}
