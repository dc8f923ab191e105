package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/registry"
)

var (
	discoverTerm      string
	discoverMax       int
	discoverRetailers []string
	discoverAudit     string
	discoverReport    string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search retailers for products not yet in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "discover")
		if err != nil {
			return err
		}
		defer env.Close()

		targets, err := discoveryTargets(env.Registry, discoverRetailers, discoverTerm, discoverMax)
		if err != nil {
			return err
		}
		b := env.runBatch(ctx, targets, 0)
		return finishBatch(cmd, b, discoverAudit, discoverReport)
	},
}

// discoveryTargets builds one discovery target per retailer. With no ids
// given, every retailer with a search template is used.
func discoveryTargets(reg *registry.Registry, ids []string, term string, max int) ([]model.ScrapeTarget, error) {
	if len(ids) == 0 {
		for _, id := range reg.IDs() {
			p, err := reg.Get(id)
			if err == nil && p.Search.URLTemplate != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, eris.New("no retailer has a search template")
	}
	targets := make([]model.ScrapeTarget, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, model.ScrapeTarget{
			RetailerID: id,
			Mode:       model.ModeDiscovery,
			SearchTerm: term,
			MaxResults: max,
		})
	}
	return targets, nil
}

func init() {
	discoverCmd.Flags().StringVar(&discoverTerm, "search-term", "", "search term (default discovery.default_term)")
	discoverCmd.Flags().IntVar(&discoverMax, "max-results", 0, "maximum listings per retailer (default discovery.max_results)")
	discoverCmd.Flags().StringSliceVar(&discoverRetailers, "retailer", nil, "retailer id to search (repeatable, default all)")
	discoverCmd.Flags().StringVar(&discoverAudit, "audit", "", "audit export path, .json or .xlsx")
	discoverCmd.Flags().StringVar(&discoverReport, "report", "", "report path, .html or text")
	rootCmd.AddCommand(discoverCmd)
}
