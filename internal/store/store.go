// Package store persists price quotes, discovered candidates and run
// summaries. It is the catalog the discovery engine consults for known
// product identifiers.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/report"
)

// QuoteRecord is a stored price observation.
type QuoteRecord struct {
	RunID      string           `json:"run_id"`
	RetailerID string           `json:"retailer"`
	ProductKey string           `json:"product"`
	Quote      model.PriceQuote `json:"quote"`
}

// Store defines the persistence interface for scrape results.
type Store interface {
	// LookupCandidate returns the stored candidate with id, or nil when
	// none exists.
	LookupCandidate(ctx context.Context, id string) (*model.DiscoveredCandidate, error)
	// SaveCandidates inserts candidates not yet stored and returns how many
	// were new. Existing rows are never overwritten.
	SaveCandidates(ctx context.Context, runID string, cands []model.DiscoveredCandidate) (int, error)

	SaveQuote(ctx context.Context, runID string, target model.ScrapeTarget, q model.PriceQuote) error
	LatestQuotes(ctx context.Context, retailerID string, limit int) ([]QuoteRecord, error)

	SaveRun(ctx context.Context, s report.Summary) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// RecordOutcome writes whatever a successful outcome produced. Failed
// outcomes are skipped.
func RecordOutcome(ctx context.Context, st Store, runID string, o model.Outcome) error {
	if !o.Succeeded() {
		return nil
	}
	if o.Quote != nil {
		if err := st.SaveQuote(ctx, runID, o.Target, *o.Quote); err != nil {
			return err
		}
	}
	if len(o.Candidates) > 0 {
		n, err := st.SaveCandidates(ctx, runID, o.Candidates)
		if err != nil {
			return err
		}
		zap.L().Debug("store: candidates saved",
			zap.String("retailer", o.Target.RetailerID),
			zap.Int("new", n),
			zap.Int("offered", len(o.Candidates)),
		)
	}
	return nil
}

const defaultQuoteLimit = 50

func quoteLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultQuoteLimit
	}
	return limit
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
