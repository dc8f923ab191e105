package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/price"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestBatch(names map[string]string) *Batch {
	b := NewBatch(names)
	b.now = func() time.Time { return fixedNow }
	b.Started = fixedNow
	return b
}

func mustAmount(t *testing.T, s string) price.Amount {
	t.Helper()
	a, err := price.ParseAmount(s)
	require.NoError(t, err)
	return a
}

func success(t *testing.T, seq int, retailer, productID, amount string) model.Outcome {
	q := &model.PriceQuote{
		Amount:     mustAmount(t, amount),
		Currency:   "GBP",
		SourceURL:  "https://" + retailer + ".example/p/" + productID,
		ObservedAt: fixedNow,
		Producer:   "plain-http/css",
	}
	q.Snapshot = "£" + amount
	page := "<html>ok</html>"
	return model.Outcome{
		Target:   model.ScrapeTarget{RetailerID: retailer, URL: q.SourceURL, ProductID: productID},
		Status:   model.StatusSuccess,
		Quote:    q,
		Attempts: []model.ExtractionAttempt{{Tier: "plain-http", Attempt: 1, Strategy: "css", Outcome: model.OutcomeMatched}},
		RawPage:  &page,
		Seq:      seq,
	}
}

func failure(seq int, retailer, productID, reason string, raw *string) model.Outcome {
	return model.Outcome{
		Target: model.ScrapeTarget{RetailerID: retailer, URL: "https://" + retailer + ".example/p/" + productID, ProductID: productID},
		Status: model.StatusExhausted,
		Reason: reason,
		Attempts: []model.ExtractionAttempt{
			{Tier: "plain-http", Attempt: 1, Outcome: model.OutcomeTransportError, Error: reason},
		},
		RawPage: raw,
		Seq:     seq,
	}
}

func TestBatch_SortedRestoresSubmissionOrder(t *testing.T) {
	b := newTestBatch(nil)
	b.Add(success(t, 2, "asda", "P3", "1.35"))
	b.Add(failure(1, "tesco", "P2", "timeout", nil))
	b.Add(success(t, 0, "morrisons", "P1", "3.60"))

	got := b.Sorted()
	require.Len(t, got, 3)
	assert.Equal(t, "P1", got[0].Target.ProductID)
	assert.Equal(t, "P2", got[1].Target.ProductID)
	assert.Equal(t, "P3", got[2].Target.ProductID)
}

func TestBatch_ConcurrentAdd(t *testing.T) {
	b := newTestBatch(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Add(failure(i, "shop", "P", "x", nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Len())
	for i, o := range b.Sorted() {
		assert.Equal(t, i, o.Seq)
	}
}

func TestBatch_Summary(t *testing.T) {
	b := newTestBatch(map[string]string{"morrisons": "Morrisons", "tesco": "Tesco"})
	b.Add(success(t, 0, "morrisons", "P1", "3.60"))
	b.Add(failure(1, "tesco", "P2", "all tiers exhausted", nil))
	b.Add(success(t, 2, "asda", "P3", "1.35"))
	b.Add(model.Outcome{
		Target: model.ScrapeTarget{RetailerID: "lidl", URL: "https://lidl.example/p/4", ProductID: "P4"},
		Status: model.StatusConfig,
		Reason: "unknown retailer",
		Seq:    3,
	})
	b.Finish()

	s := b.Summary()
	assert.Equal(t, 4, s.Attempted)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.ConfigErrors)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.001)
	assert.Equal(t, "50.0%", s.SuccessRateText())
	assert.Equal(t, fixedNow, s.Finished)

	require.Len(t, s.Retailers, 4)
	assert.Equal(t, "asda", s.Retailers[0].ID)
	assert.Equal(t, "Morrisons", s.Retailers[2].Name)

	require.Len(t, s.Quotes, 2)
	assert.Equal(t, "P1", s.Quotes[0].Key)
	assert.Equal(t, "Morrisons", s.Quotes[0].Retailer)

	require.Len(t, s.Failures, 2)
	assert.Equal(t, "Tesco", s.Failures[0].Retailer)
	assert.Equal(t, model.StatusConfig, s.Failures[1].Status)
}

func TestBatch_SummaryEmpty(t *testing.T) {
	s := newTestBatch(nil).Summary()
	assert.Zero(t, s.Attempted)
	assert.Equal(t, "0.0%", s.SuccessRateText())
}

func TestAudit_JSON(t *testing.T) {
	raw := "<html>blocked</html>"
	b := newTestBatch(nil)
	b.Add(success(t, 0, "morrisons", "P1", "3.60"))
	b.Add(failure(1, "tesco", "P2", "no price found", &raw))
	b.Add(failure(2, "asda", "P3", "timeout", nil))
	b.Finish()

	var buf bytes.Buffer
	require.NoError(t, b.Audit().WriteJSON(&buf))
	out := buf.String()
	assert.Contains(t, out, "£3.60", "non-ASCII must not be escaped")
	assert.Contains(t, out, "\n  \"entries\"")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	entries := doc["entries"].(map[string]any)
	require.Len(t, entries, 3)

	p1 := entries["P1"].(map[string]any)
	assert.Equal(t, "3.60", p1["amount"])
	assert.Equal(t, "GBP", p1["currency"])
	assert.Equal(t, "success", p1["status"])
	assert.Nil(t, p1["raw_page"])
	assert.Equal(t, "price-lookup", p1["mode"])

	p2 := entries["P2"].(map[string]any)
	assert.Nil(t, p2["amount"])
	assert.Equal(t, "no price found", p2["error"])
	assert.Equal(t, raw, p2["raw_page"])

	p3 := entries["P3"].(map[string]any)
	v, present := p3["raw_page"]
	assert.True(t, present, "raw_page must be present as null")
	assert.Nil(t, v)

	summary := doc["summary"].(map[string]any)
	assert.Equal(t, "33.3%", summary["success_rate"])
}

func TestAudit_DuplicateKeysKept(t *testing.T) {
	b := newTestBatch(nil)
	b.Add(failure(0, "tesco", "P1", "a", nil))
	b.Add(failure(1, "tesco", "P1", "b", nil))
	assert.Len(t, b.Audit().Entries, 2)
}

func TestDefaultAuditName(t *testing.T) {
	assert.Equal(t, "scraping_report_20250314_092653.json", DefaultAuditName(fixedNow))
}

func TestSaveAudit_JSONAndXLSX(t *testing.T) {
	dir := t.TempDir()
	b := newTestBatch(nil)
	b.Add(success(t, 0, "morrisons", "P1", "3.60"))
	b.Add(failure(1, "tesco", "P2", "no price found", nil))

	jsonPath, err := b.SaveAudit(filepath.Join(dir, "out", "audit.json"))
	require.NoError(t, err)
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	xlsxPath, err := b.SaveAudit(filepath.Join(dir, "audit.xlsx"))
	require.NoError(t, err)
	f, err := xlsx.OpenFile(xlsxPath)
	require.NoError(t, err)
	sheet, ok := f.Sheet["audit"]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "key", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "P1", sheet.Rows[1].Cells[0].String())
	assert.Equal(t, "3.60", sheet.Rows[1].Cells[7].String())
	assert.Equal(t, "no price found", sheet.Rows[2].Cells[12].String())
	_, ok = f.Sheet["summary"]
	assert.True(t, ok)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"script tag", `Evil<script>alert("x")</script>Mart`, "Evil&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;Mart"},
		{"ampersand", "M&S", "M&amp;S"},
		{"control chars", "Tes\x00co\x1b", "Tesco"},
		{"whitespace", "  Sainsbury's \n\t Local ", "Sainsbury&#39;s Local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}

	long := strings.Repeat("a", maxTextRunes+50)
	assert.Len(t, []rune(Sanitize(long)), maxTextRunes+1)
}

func TestWriteHTML_ScriptIsInert(t *testing.T) {
	evil := `<script>alert(1)</script>`
	b := newTestBatch(map[string]string{"evil": "Evil " + evil})
	b.Add(failure(0, "evil", "P1", "failed near "+evil, nil))
	b.Add(success(t, 1, "morrisons", "P2", "3.60"))

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, b.Summary()))
	out := buf.String()

	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, out, "Failures")
	assert.Contains(t, out, "£3.60")
}

func TestWriteHTML_UnsafeLinkNeutralized(t *testing.T) {
	b := newTestBatch(nil)
	b.Add(model.Outcome{
		Target: model.ScrapeTarget{RetailerID: "shop", Mode: model.ModeDiscovery, SearchTerm: "tissue"},
		Status: model.StatusSuccess,
		Candidates: []model.DiscoveredCandidate{
			{ID: "SHOP-x", RetailerID: "shop", Title: "X", URL: "javascript:alert(1)"},
		},
	})

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, b.Summary()))
	assert.NotContains(t, buf.String(), "javascript:alert")
	assert.Contains(t, buf.String(), "SHOP-x")
}

func TestWriteText(t *testing.T) {
	b := newTestBatch(map[string]string{"evil": "<b>Evil</b>"})
	b.Add(success(t, 0, "morrisons", "P1", "3.60"))
	b.Add(failure(1, "evil", "P2", "<script>x</script>", nil))

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, b.Summary()))
	out := buf.String()
	assert.Contains(t, out, "Attempted: 2  Succeeded: 1  Failed: 1  Success rate: 50.0%")
	assert.Contains(t, out, "&lt;b&gt;Evil&lt;/b&gt;")
	assert.Contains(t, out, "&lt;script&gt;x&lt;/script&gt;")
	assert.NotContains(t, out, "<script>")
}
