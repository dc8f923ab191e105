package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricescout/internal/model"
)

// AuditEntry is one target in the audit export.
type AuditEntry struct {
	Timestamp  time.Time                   `json:"timestamp"`
	Retailer   string                      `json:"retailer"`
	Product    string                      `json:"product"`
	URL        string                      `json:"url"`
	Mode       string                      `json:"mode"`
	Status     model.Status                `json:"status"`
	Amount     *string                     `json:"amount"`
	Currency   string                      `json:"currency,omitempty"`
	Producer   string                      `json:"producer,omitempty"`
	Snapshot   string                      `json:"snapshot,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Attempts   []model.ExtractionAttempt   `json:"attempts"`
	Discovered []model.DiscoveredCandidate `json:"discovered,omitempty"`
	// RawPage is the last page fetched for a failed target; null on success
	// and when nothing was ever fetched.
	RawPage *string `json:"raw_page"`
}

// AuditSummary is the header block of the audit export.
type AuditSummary struct {
	Attempted   int    `json:"attempted"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	SuccessRate string `json:"success_rate"`
	Candidates  int    `json:"new_candidates"`
}

// Audit is the full export document, keyed by product identifier.
type Audit struct {
	RunID     string                `json:"run_id"`
	Timestamp time.Time             `json:"timestamp"`
	Summary   AuditSummary          `json:"summary"`
	Entries   map[string]AuditEntry `json:"entries"`
}

// DefaultAuditName is the file name used when the caller names none.
func DefaultAuditName(t time.Time) string {
	return "scraping_report_" + t.Format("20060102_150405") + ".json"
}

// Audit builds the export document for the batch.
func (b *Batch) Audit() Audit {
	s := b.Summary()
	ts := s.Finished
	if ts.IsZero() {
		ts = b.now().UTC()
	}
	a := Audit{
		RunID:     b.RunID,
		Timestamp: ts,
		Summary: AuditSummary{
			Attempted:   s.Attempted,
			Succeeded:   s.Succeeded,
			Failed:      s.Failed,
			SuccessRate: s.SuccessRateText(),
			Candidates:  s.Candidates,
		},
		Entries: make(map[string]AuditEntry),
	}
	for i, r := range b.sortedRecords() {
		key := r.outcome.Target.Key()
		if _, dup := a.Entries[key]; dup {
			key = key + "#" + strconv.Itoa(i)
		}
		a.Entries[key] = entryFor(r)
	}
	return a
}

func entryFor(r record) AuditEntry {
	o := r.outcome
	mode := string(o.Target.Mode)
	if mode == "" {
		mode = string(model.ModePriceLookup)
	}
	e := AuditEntry{
		Timestamp:  r.at,
		Retailer:   o.Target.RetailerID,
		Product:    o.Target.Key(),
		URL:        o.Target.URL,
		Mode:       mode,
		Status:     o.Status,
		Error:      o.Reason,
		Attempts:   o.Attempts,
		Discovered: o.Candidates,
	}
	if e.Attempts == nil {
		e.Attempts = []model.ExtractionAttempt{}
	}
	if q := o.Quote; q != nil {
		amount := q.Amount.String()
		e.Amount = &amount
		e.Currency = q.Currency
		e.Producer = q.Producer
		e.Snapshot = q.Snapshot
		if !q.ObservedAt.IsZero() {
			e.Timestamp = q.ObservedAt
		}
	}
	if !o.Succeeded() {
		e.RawPage = o.RawPage
	}
	return e
}

// WriteJSON writes the audit as indented UTF-8 JSON. Non-ASCII text is
// written as is.
func (a Audit) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return eris.Wrap(enc.Encode(a), "report: encode audit")
}

var auditColumns = []string{
	"key", "timestamp", "retailer", "product", "url", "mode", "status",
	"amount", "currency", "producer", "snapshot", "attempts", "error",
}

// WriteXLSX writes the audit as a workbook with an "audit" sheet holding one
// row per entry and a "summary" sheet.
func (a Audit) WriteXLSX(w io.Writer) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("audit")
	if err != nil {
		return eris.Wrap(err, "report: add audit sheet")
	}
	addRow(sheet, auditColumns...)

	keys := make([]string, 0, len(a.Entries))
	for k := range a.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := a.Entries[k]
		amount := ""
		if e.Amount != nil {
			amount = *e.Amount
		}
		row := sheet.AddRow()
		for _, v := range []string{
			k, e.Timestamp.Format(time.RFC3339), e.Retailer, e.Product, e.URL, e.Mode,
			string(e.Status), amount, e.Currency, e.Producer, e.Snapshot,
		} {
			row.AddCell().SetString(v)
		}
		row.AddCell().SetInt(len(e.Attempts))
		row.AddCell().SetString(e.Error)
	}

	summary, err := f.AddSheet("summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "run_id", a.RunID)
	addRow(summary, "timestamp", a.Timestamp.Format(time.RFC3339))
	addIntRow(summary, "attempted", a.Summary.Attempted)
	addIntRow(summary, "succeeded", a.Summary.Succeeded)
	addIntRow(summary, "failed", a.Summary.Failed)
	addRow(summary, "success_rate", a.Summary.SuccessRate)
	addIntRow(summary, "new_candidates", a.Summary.Candidates)

	return eris.Wrap(f.Write(w), "report: write workbook")
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addIntRow(sheet *xlsx.Sheet, label string, n int) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt(n)
}

// SaveAudit writes the batch audit to path, choosing JSON or XLSX by
// extension. An empty path uses DefaultAuditName in the current directory.
// It returns the path written.
func (b *Batch) SaveAudit(path string) (string, error) {
	if path == "" {
		path = DefaultAuditName(b.now())
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", eris.Wrapf(err, "report: create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrapf(err, "report: create %s", path)
	}
	defer f.Close()

	a := b.Audit()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		err = a.WriteXLSX(f)
	default:
		err = a.WriteJSON(f)
	}
	if err != nil {
		return "", err
	}
	return path, eris.Wrapf(f.Close(), "report: close %s", path)
}
