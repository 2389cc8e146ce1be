package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/evilwatch/internal/indicator"
)

var (
	fullSync    bool
	searchLimit int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Reconcile the search index with the store",
	Long: `Index brings the full-text search index in line with the indicator table.

The sync is incremental when the index is a prefix of the store and a full
rebuild otherwise. --full forces a rebuild.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		idx, err := a.openIndex()
		if err != nil {
			return err
		}
		report, err := idx.Sync(cmd.Context(), fullSync)
		if err != nil {
			return fmt.Errorf("search index sync failed: %w", err)
		}
		fmt.Printf("%s index %s sync: +%d -%d, %d entries\n",
			idx.Backend(), report.Mode, report.Added, report.Removed, report.Entries)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Full-text search over stored indicators",
	Example: `  evilwatch search feodo
  evilwatch search "tor exit" --limit 25`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		idx, err := a.openIndex()
		if err != nil {
			return err
		}
		results, err := idx.Search(cmd.Context(), strings.Join(args, " "), searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("No matching indicators.")
			return nil
		}
		printIndicators(results)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove duplicate (type, value, source) rows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.openStore()
		if err != nil {
			return err
		}
		removed, err := st.Compact(cmd.Context())
		if err != nil {
			return fmt.Errorf("compaction failed: %w", err)
		}
		fmt.Printf("Removed %d duplicate rows\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd, searchCmd, compactCmd)

	indexCmd.Flags().BoolVar(&fullSync, "full", false, "Force a full rebuild")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum number of results")
}

func printIndicators(inds []indicator.Indicator) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tVALUE\tCATEGORY\tSOURCE\tSEVERITY\tLAST SEEN\tNOTES")
	for _, ind := range inds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ind.Type, ind.Value, ind.Category, ind.Source,
			strings.ToUpper(string(ind.Severity)), ind.LastSeen.Format("2006-01-02"), ind.Notes)
	}
	tw.Flush()
}
