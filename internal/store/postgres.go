package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
	"github.com/sells-group/pricescout/internal/report"
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var preparedStatements = map[string]string{
	"lookup_candidate": `SELECT id, retailer_id, title, url FROM candidates WHERE id = $1`,
	"insert_candidate": `INSERT INTO candidates (id, retailer_id, title, url, run_id, discovered_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
	"insert_quote":     `INSERT INTO quotes (id, run_id, retailer_id, product_key, url, amount_minor, currency, promo_minor, promo_text, producer, snapshot, observed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	attempted     INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	config_errors INTEGER NOT NULL DEFAULT 0,
	candidates    INTEGER NOT NULL DEFAULT 0,
	success_rate  DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS quotes (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL,
	retailer_id  TEXT NOT NULL,
	product_key  TEXT NOT NULL,
	url          TEXT NOT NULL,
	amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
	currency     CHAR(3) NOT NULL,
	promo_minor  BIGINT,
	promo_text   TEXT NOT NULL DEFAULT '',
	producer     TEXT NOT NULL,
	snapshot     TEXT NOT NULL DEFAULT '',
	observed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidates (
	id            TEXT PRIMARY KEY,
	retailer_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	url           TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quotes_retailer_observed ON quotes(retailer_id, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_quotes_product ON quotes(product_key);
CREATE INDEX IF NOT EXISTS idx_candidates_retailer ON candidates(retailer_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) LookupCandidate(ctx context.Context, id string) (*model.DiscoveredCandidate, error) {
	var c model.DiscoveredCandidate
	err := s.pool.QueryRow(ctx,
		`SELECT id, retailer_id, title, url FROM candidates WHERE id = $1`, id,
	).Scan(&c.ID, &c.RetailerID, &c.Title, &c.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: lookup candidate %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) SaveCandidates(ctx context.Context, runID string, cands []model.DiscoveredCandidate) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin candidates")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	inserted := 0
	for _, c := range cands {
		tag, err := tx.Exec(ctx,
			`INSERT INTO candidates (id, retailer_id, title, url, run_id, discovered_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			c.ID, c.RetailerID, c.Title, c.URL, runID, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert candidate %s", c.ID)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		inserted++
		if c.Quote != nil {
			target := model.ScrapeTarget{RetailerID: c.RetailerID, URL: c.URL, ProductID: c.ID}
			if err := insertQuotePostgres(ctx, tx, runID, target, *c.Quote); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit candidates")
	}
	return inserted, nil
}

func (s *PostgresStore) SaveQuote(ctx context.Context, runID string, target model.ScrapeTarget, q model.PriceQuote) error {
	return insertQuotePostgres(ctx, s.pool, runID, target, q)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertQuotePostgres(ctx context.Context, ex pgExecer, runID string, target model.ScrapeTarget, q model.PriceQuote) error {
	if q.Amount <= 0 {
		return eris.Errorf("postgres: refusing non-positive amount %s for %s", q.Amount, target.Key())
	}
	var promo *int64
	if q.PromoAmount != nil {
		v := int64(*q.PromoAmount)
		promo = &v
	}
	url := q.SourceURL
	if url == "" {
		url = target.URL
	}
	_, err := ex.Exec(ctx,
		`INSERT INTO quotes (id, run_id, retailer_id, product_key, url, amount_minor, currency,
		                     promo_minor, promo_text, producer, snapshot, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New().String(), runID, target.RetailerID, target.Key(), url, int64(q.Amount), q.Currency,
		promo, q.PromoText, q.Producer, q.Snapshot, utc(q.ObservedAt),
	)
	return eris.Wrapf(err, "postgres: insert quote %s", target.Key())
}

func (s *PostgresStore) LatestQuotes(ctx context.Context, retailerID string, limit int) ([]QuoteRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, retailer_id, product_key, url, amount_minor, currency, promo_minor,
		        promo_text, producer, snapshot, observed_at
		 FROM quotes WHERE retailer_id = $1 ORDER BY observed_at DESC LIMIT $2`,
		retailerID, quoteLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest quotes")
	}
	defer rows.Close()

	var out []QuoteRecord
	for rows.Next() {
		var (
			r      QuoteRecord
			amount int64
			promo  *int64
		)
		if err := rows.Scan(&r.RunID, &r.RetailerID, &r.ProductKey, &r.Quote.SourceURL, &amount,
			&r.Quote.Currency, &promo, &r.Quote.PromoText, &r.Quote.Producer, &r.Quote.Snapshot,
			&r.Quote.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quote")
		}
		r.Quote.Amount = price.Amount(amount)
		if promo != nil {
			p := price.Amount(*promo)
			r.Quote.PromoAmount = &p
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate quotes")
}

func (s *PostgresStore) SaveRun(ctx context.Context, sum report.Summary) error {
	var finished *time.Time
	if !sum.Finished.IsZero() {
		f := sum.Finished.UTC()
		finished = &f
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at, finished_at, attempted, succeeded, failed,
		                   config_errors, candidates, success_rate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   finished_at = EXCLUDED.finished_at, attempted = EXCLUDED.attempted,
		   succeeded = EXCLUDED.succeeded, failed = EXCLUDED.failed,
		   config_errors = EXCLUDED.config_errors, candidates = EXCLUDED.candidates,
		   success_rate = EXCLUDED.success_rate`,
		sum.RunID, utc(sum.Started), finished, sum.Attempted, sum.Succeeded, sum.Failed,
		sum.ConfigErrors, sum.Candidates, sum.SuccessRate,
	)
	return eris.Wrapf(err, "postgres: save run %s", sum.RunID)
}
