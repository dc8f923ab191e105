package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var htmlReport = template.Must(template.New("report.html.tmpl").Funcs(template.FuncMap{
	"fmtTime": func(t time.Time) string { return t.Format("2006-01-02 15:04:05 MST") },
	"clip":    clip,
}).ParseFS(templateFS, "templates/report.html.tmpl"))

// WriteHTML renders the summary as a standalone HTML page. All retailer
// text goes through contextual escaping.
func WriteHTML(w io.Writer, s Summary) error {
	return eris.Wrap(htmlReport.Execute(w, s), "report: render html")
}

// WriteText renders the summary as plain text. Untrusted text is passed
// through Sanitize.
func WriteText(w io.Writer, s Summary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", s.RunID)
	fmt.Fprintf(&b, "Attempted: %d  Succeeded: %d  Failed: %d  Success rate: %s\n",
		s.Attempted, s.Succeeded, s.Failed, s.SuccessRateText())
	if s.Candidates > 0 {
		fmt.Fprintf(&b, "New products: %d\n", s.Candidates)
	}

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nRETAILER\tATTEMPTED\tSUCCEEDED\tFAILED")
	for _, r := range s.Retailers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", Sanitize(r.Name), r.Attempted, r.Succeeded, r.Failed)
	}
	if len(s.Quotes) > 0 {
		fmt.Fprintln(tw, "\nPRODUCT\tRETAILER\tPRICE\tSOURCE")
		for _, q := range s.Quotes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", Sanitize(q.Key), Sanitize(q.Retailer), Sanitize(q.Snapshot), q.Producer)
		}
	}
	if len(s.Discovered) > 0 {
		fmt.Fprintln(tw, "\nNEW PRODUCT\tTITLE")
		for _, c := range s.Discovered {
			fmt.Fprintf(tw, "%s\t%s\n", Sanitize(c.ID), Sanitize(c.Title))
		}
	}
	if len(s.Failures) > 0 {
		fmt.Fprintln(tw, "\nFAILED\tRETAILER\tSTATUS\tREASON")
		for _, f := range s.Failures {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", Sanitize(f.Key), Sanitize(f.Retailer), f.Status, Sanitize(f.Reason))
		}
	}
	if err := tw.Flush(); err != nil {
		return eris.Wrap(err, "report: flush text")
	}
	_, err := io.WriteString(w, b.String())
	return eris.Wrap(err, "report: write text")
}

func clip(s string) string {
	if r := []rune(s); len(r) > maxTextRunes {
		return string(r[:maxTextRunes]) + "…"
	}
	return s
}
