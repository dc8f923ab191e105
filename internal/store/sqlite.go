package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
	"github.com/sells-group/pricescout/internal/report"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	attempted     INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	config_errors INTEGER NOT NULL DEFAULT 0,
	candidates    INTEGER NOT NULL DEFAULT 0,
	success_rate  REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS quotes (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	retailer_id  TEXT NOT NULL,
	product_key  TEXT NOT NULL,
	url          TEXT NOT NULL,
	amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
	currency     TEXT NOT NULL,
	promo_minor  INTEGER,
	promo_text   TEXT NOT NULL DEFAULT '',
	producer     TEXT NOT NULL,
	snapshot     TEXT NOT NULL DEFAULT '',
	observed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id            TEXT PRIMARY KEY,
	retailer_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	url           TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	discovered_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quotes_retailer_observed ON quotes(retailer_id, observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_quotes_product ON quotes(product_key);
CREATE INDEX IF NOT EXISTS idx_candidates_retailer ON candidates(retailer_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LookupCandidate(ctx context.Context, id string) (*model.DiscoveredCandidate, error) {
	var c model.DiscoveredCandidate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, retailer_id, title, url FROM candidates WHERE id = ?`, id,
	).Scan(&c.ID, &c.RetailerID, &c.Title, &c.URL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup candidate %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCandidates(ctx context.Context, runID string, cands []model.DiscoveredCandidate) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin candidates")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	inserted := 0
	for _, c := range cands {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO candidates (id, retailer_id, title, url, run_id, discovered_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.RetailerID, c.Title, c.URL, runID, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert candidate %s", c.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			continue
		}
		inserted++
		if c.Quote != nil {
			target := model.ScrapeTarget{RetailerID: c.RetailerID, URL: c.URL, ProductID: c.ID}
			if err := insertQuoteSQLite(ctx, tx, runID, target, *c.Quote); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit candidates")
	}
	return inserted, nil
}

func (s *SQLiteStore) SaveQuote(ctx context.Context, runID string, target model.ScrapeTarget, q model.PriceQuote) error {
	return insertQuoteSQLite(ctx, s.db, runID, target, q)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertQuoteSQLite(ctx context.Context, ex sqlExecer, runID string, target model.ScrapeTarget, q model.PriceQuote) error {
	if q.Amount <= 0 {
		return eris.Errorf("sqlite: refusing non-positive amount %s for %s", q.Amount, target.Key())
	}
	var promo sql.NullInt64
	if q.PromoAmount != nil {
		promo = sql.NullInt64{Int64: int64(*q.PromoAmount), Valid: true}
	}
	url := q.SourceURL
	if url == "" {
		url = target.URL
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO quotes (id, run_id, retailer_id, product_key, url, amount_minor, currency,
		                     promo_minor, promo_text, producer, snapshot, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, target.RetailerID, target.Key(), url, int64(q.Amount), q.Currency,
		promo, q.PromoText, q.Producer, q.Snapshot, utc(q.ObservedAt),
	)
	return eris.Wrapf(err, "sqlite: insert quote %s", target.Key())
}

func (s *SQLiteStore) LatestQuotes(ctx context.Context, retailerID string, limit int) ([]QuoteRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, retailer_id, product_key, url, amount_minor, currency, promo_minor,
		        promo_text, producer, snapshot, observed_at
		 FROM quotes WHERE retailer_id = ? ORDER BY observed_at DESC LIMIT ?`,
		retailerID, quoteLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest quotes")
	}
	defer rows.Close() //nolint:errcheck

	var out []QuoteRecord
	for rows.Next() {
		r, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate quotes")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanQuote(row scannable) (*QuoteRecord, error) {
	var (
		r      QuoteRecord
		amount int64
		promo  sql.NullInt64
	)
	err := row.Scan(&r.RunID, &r.RetailerID, &r.ProductKey, &r.Quote.SourceURL, &amount,
		&r.Quote.Currency, &promo, &r.Quote.PromoText, &r.Quote.Producer, &r.Quote.Snapshot,
		&r.Quote.ObservedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan quote")
	}
	r.Quote.Amount = price.Amount(amount)
	if promo.Valid {
		p := price.Amount(promo.Int64)
		r.Quote.PromoAmount = &p
	}
	return &r, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, sum report.Summary) error {
	var finished sql.NullTime
	if !sum.Finished.IsZero() {
		finished = sql.NullTime{Time: sum.Finished.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, started_at, finished_at, attempted, succeeded, failed,
		                              config_errors, candidates, success_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, utc(sum.Started), finished, sum.Attempted, sum.Succeeded, sum.Failed,
		sum.ConfigErrors, sum.Candidates, sum.SuccessRate,
	)
	return eris.Wrapf(err, "sqlite: save run %s", sum.RunID)
}

// CountQuotes returns the number of stored quotes for a product key.
func (s *SQLiteStore) CountQuotes(ctx context.Context, productKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes WHERE product_key = ?`, productKey).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count quotes")
}
