package scrape

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricescout/internal/model"
)

// Handler processes one target. It must fold every failure into the Outcome.
type Handler func(ctx context.Context, target model.ScrapeTarget) model.Outcome

// BatchOptions tunes RunBatch.
type BatchOptions struct {
	// Concurrency caps how many retailers are worked on at once. Default: 4.
	Concurrency int
	// Deadline bounds the whole batch; zero means none. Targets not started
	// by then are reported as exhausted with reason "timeout".
	Deadline time.Duration
	// OnOutcome, when set, receives each outcome as soon as it is final.
	// It may be called from several goroutines.
	OnOutcome func(model.Outcome)
}

// RunBatch processes targets with bounded concurrency. Targets of the same
// retailer run one at a time in submission order; different retailers run
// concurrently. A failing target never affects the others. The returned
// slice is in submission order.
func RunBatch(ctx context.Context, targets []model.ScrapeTarget, handle Handler, opts BatchOptions) []model.Outcome {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	// Per-retailer FIFO queues of submission indices.
	var order []string
	queues := make(map[string][]int)
	for i, t := range targets {
		if _, ok := queues[t.RetailerID]; !ok {
			order = append(order, t.RetailerID)
		}
		queues[t.RetailerID] = append(queues[t.RetailerID], i)
	}

	outcomes := make([]model.Outcome, len(targets))
	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for _, retailerID := range order {
		queue := queues[retailerID]
		g.Go(func() error {
			for _, i := range queue {
				out := runOne(ctx, targets[i], handle)
				out.Seq = i
				outcomes[i] = out
				if opts.OnOutcome != nil {
					opts.OnOutcome(out)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var ok int
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
		}
	}
	zap.L().Info("scrape: batch complete",
		zap.Int("targets", len(targets)),
		zap.Int("succeeded", ok),
		zap.Int("failed", len(targets)-ok),
		zap.Duration("elapsed", time.Since(start)),
	)
	return outcomes
}

func runOne(ctx context.Context, target model.ScrapeTarget, handle Handler) (out model.Outcome) {
	if ctx.Err() != nil {
		return model.Outcome{Target: target, Status: model.StatusExhausted, Reason: ReasonTimeout}
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("scrape: target handler panicked",
				zap.String("retailer", target.RetailerID),
				zap.String("key", target.Key()),
				zap.Any("panic", r),
			)
			out = model.Outcome{
				Target: target,
				Status: model.StatusExhausted,
				Reason: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()
	return handle(ctx, target)
}
