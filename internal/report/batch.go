// Package report collects batch outcomes and renders them as audit exports
// and human-facing summaries.
package report

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/pricescout/internal/model"
)

type record struct {
	outcome model.Outcome
	at      time.Time
}

// Batch collects one Outcome per target. It is safe for concurrent use.
type Batch struct {
	RunID   string
	Started time.Time

	mu       sync.Mutex
	records  []record
	finished time.Time
	names    map[string]string
	now      func() time.Time
}

// NewBatch starts a batch. names maps retailer ids to display names and may
// be nil.
func NewBatch(names map[string]string) *Batch {
	b := &Batch{
		RunID: uuid.NewString(),
		names: names,
		now:   time.Now,
	}
	b.Started = b.now().UTC()
	return b
}

// Add records an outcome.
func (b *Batch) Add(o model.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, record{outcome: o, at: b.now().UTC()})
}

// Finish stamps the batch end time. Later calls keep the first stamp.
func (b *Batch) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished.IsZero() {
		b.finished = b.now().UTC()
	}
}

// Len returns the number of outcomes recorded.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// RetailerName returns the display name for a retailer id.
func (b *Batch) RetailerName(id string) string {
	if n, ok := b.names[id]; ok && n != "" {
		return n
	}
	return id
}

// Sorted returns the outcomes in submission order. Outcomes added in
// completion order come back re-sorted by Seq, ties broken by target key.
func (b *Batch) Sorted() []model.Outcome {
	recs := b.sortedRecords()
	out := make([]model.Outcome, len(recs))
	for i, r := range recs {
		out[i] = r.outcome
	}
	return out
}

func (b *Batch) sortedRecords() []record {
	b.mu.Lock()
	recs := make([]record, len(b.records))
	copy(recs, b.records)
	b.mu.Unlock()

	sort.SliceStable(recs, func(i, j int) bool {
		a, c := recs[i].outcome, recs[j].outcome
		if a.Seq != c.Seq {
			return a.Seq < c.Seq
		}
		return a.Target.Key() < c.Target.Key()
	})
	return recs
}

// RetailerSummary is the per-retailer line of a Summary.
type RetailerSummary struct {
	ID        string
	Name      string
	Attempted int
	Succeeded int
	Failed    int
}

// QuoteLine is one successful price lookup.
type QuoteLine struct {
	Key      string
	Retailer string
	URL      string
	Snapshot string
	Producer string
}

// Failure is one failed target. Reason and Retailer are untrusted text.
type Failure struct {
	Key      string
	Retailer string
	URL      string
	Status   model.Status
	Reason   string
}

// Summary is the complete-batch view of a run.
type Summary struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Attempted int
	Succeeded int
	Failed    int
	// ConfigErrors is the subset of Failed rejected before any fetch.
	ConfigErrors int
	// Candidates counts newly discovered products across the batch.
	Candidates  int
	SuccessRate float64
	Retailers   []RetailerSummary
	Quotes      []QuoteLine
	Discovered  []model.DiscoveredCandidate
	Failures    []Failure
}

// SuccessRateText formats the success rate as "75.0%".
func (s Summary) SuccessRateText() string {
	return fmt.Sprintf("%.1f%%", s.SuccessRate)
}

// Summary computes counts over every outcome recorded so far.
func (b *Batch) Summary() Summary {
	recs := b.sortedRecords()
	b.mu.Lock()
	finished := b.finished
	b.mu.Unlock()

	s := Summary{RunID: b.RunID, Started: b.Started, Finished: finished, Attempted: len(recs)}
	perRetailer := make(map[string]*RetailerSummary)
	for _, r := range recs {
		o := r.outcome
		id := o.Target.RetailerID
		rs, ok := perRetailer[id]
		if !ok {
			rs = &RetailerSummary{ID: id, Name: b.RetailerName(id)}
			perRetailer[id] = rs
		}
		rs.Attempted++

		if o.Succeeded() {
			s.Succeeded++
			rs.Succeeded++
			s.Candidates += len(o.Candidates)
			s.Discovered = append(s.Discovered, o.Candidates...)
			if o.Quote != nil {
				s.Quotes = append(s.Quotes, QuoteLine{
					Key:      o.Target.Key(),
					Retailer: rs.Name,
					URL:      o.Target.URL,
					Snapshot: o.Quote.Snapshot,
					Producer: o.Quote.Producer,
				})
			}
			continue
		}
		s.Failed++
		rs.Failed++
		if o.Status == model.StatusConfig {
			s.ConfigErrors++
		}
		s.Failures = append(s.Failures, Failure{
			Key:      o.Target.Key(),
			Retailer: rs.Name,
			URL:      o.Target.URL,
			Status:   o.Status,
			Reason:   o.Reason,
		})
	}
	if s.Attempted > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Attempted) * 100
	}

	for _, rs := range perRetailer {
		s.Retailers = append(s.Retailers, *rs)
	}
	sort.Slice(s.Retailers, func(i, j int) bool { return s.Retailers[i].ID < s.Retailers[j].ID })
	return s
}
