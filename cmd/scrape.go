package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/feed"
	"github.com/sells-group/pricescout/internal/report"
)

var (
	scrapeTargets  string
	scrapeAudit    string
	scrapeReport   string
	scrapeFormat   string
	scrapeSheet    string
	scrapeDeadline time.Duration
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Look up prices (and run discovery targets) from a targets file",
	Long:  "Loads targets from a local file or an http(s)/ftp URL, runs each through the fallback chain and writes an audit export and report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		targets, err := feed.Load(ctx, scrapeTargets, feedOptions(cfg, scrapeFormat, scrapeSheet))
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return eris.Errorf("no targets in %s", scrapeTargets)
		}

		env, err := initEngine(ctx, "scrape")
		if err != nil {
			return err
		}
		defer env.Close()

		deadline := scrapeDeadline
		if deadline == 0 && cfg.Scrape.BatchDeadlineSecs > 0 {
			deadline = time.Duration(cfg.Scrape.BatchDeadlineSecs) * time.Second
		}
		b := env.runBatch(ctx, targets, deadline)
		return finishBatch(cmd, b, scrapeAudit, scrapeReport)
	},
}

// finishBatch writes the audit export, the optional report file and the
// text summary on stdout.
func finishBatch(cmd *cobra.Command, b *report.Batch, auditPath, reportPath string) error {
	written, err := b.SaveAudit(auditPath)
	if err != nil {
		return err
	}
	zap.L().Info("audit written", zap.String("path", written))

	sum := b.Summary()
	if reportPath != "" {
		if err := writeReportFile(reportPath, sum); err != nil {
			return err
		}
		zap.L().Info("report written", zap.String("path", reportPath))
	}
	return report.WriteText(cmd.OutOrStdout(), sum)
}

func writeReportFile(path string, sum report.Summary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		err = report.WriteHTML(f, sum)
	default:
		err = report.WriteText(f, sum)
	}
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeTargets, "targets", "", "targets file or http(s)/ftp URL (yaml, json, csv, xlsx)")
	scrapeCmd.Flags().StringVar(&scrapeAudit, "audit", "", "audit export path, .json or .xlsx (default scraping_report_<timestamp>.json)")
	scrapeCmd.Flags().StringVar(&scrapeReport, "report", "", "report path, .html or text")
	scrapeCmd.Flags().StringVar(&scrapeFormat, "format", "", "targets format override (yaml, json, csv, xlsx)")
	scrapeCmd.Flags().StringVar(&scrapeSheet, "sheet", "", "sheet name for xlsx targets")
	scrapeCmd.Flags().DurationVar(&scrapeDeadline, "deadline", 0, "batch deadline (default from config, 0 = none)")
	_ = scrapeCmd.MarkFlagRequired("targets")
	rootCmd.AddCommand(scrapeCmd)
}
