package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [indicators|categories|sources|audit|runs|bus|cves]",
	Short: "List indicators, breakdowns and recent runs",
	Long: `List prints stored data in a plain text format.

Examples:
  # Most recently seen indicators
  evilwatch list indicators --limit 20

  # Indicator counts per category or per source
  evilwatch list categories
  evilwatch list sources

  # Mutating API calls, newest first
  evilwatch list audit

  # Recent ingestion runs and stream stats (requires Redis)
  evilwatch list runs
  evilwatch list bus

  # Latest CVE advisories from the configured RSS feed
  evilwatch list cves`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"indicators", "categories", "sources", "audit", "runs", "bus", "cves"},
	RunE:      runList,
}

var limit int

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of items to show")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	targetType := "indicators"
	if len(args) > 0 {
		targetType = strings.ToLower(args[0])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	switch targetType {
	case "runs":
		return listRuns(ctx, a.openBus(), int64(limit))
	case "bus":
		return listBusStats(ctx, a.openBus())
	case "cves":
		return listCVEs(ctx, a.cves(), limit)
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	switch targetType {
	case "indicators":
		return listIndicators(ctx, st, limit)
	case "categories":
		buckets, err := st.CategoryBreakdown(ctx)
		if err != nil {
			return fmt.Errorf("failed to get category breakdown: %w", err)
		}
		return printBuckets("CATEGORY", buckets)
	case "sources":
		buckets, err := st.SourceBreakdown(ctx)
		if err != nil {
			return fmt.Errorf("failed to get source breakdown: %w", err)
		}
		return printBuckets("SOURCE", buckets)
	case "audit":
		return listAudit(ctx, st, limit)
	default:
		return fmt.Errorf("unknown list type: %s (use indicators, categories, sources, audit, runs, bus or cves)", targetType)
	}
}

func listIndicators(ctx context.Context, st *store.Store, limit int) error {
	inds, err := st.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list indicators: %w", err)
	}
	if len(inds) == 0 {
		fmt.Println("No indicators found. Run `evilwatch ingest` first.")
		return nil
	}
	total, err := st.CountIndicators(ctx)
	if err != nil {
		return fmt.Errorf("failed to count indicators: %w", err)
	}
	fmt.Printf("Showing %d of %d indicators:\n\n", len(inds), total)
	printIndicators(inds)
	return nil
}

func printBuckets(header string, buckets []store.Bucket) error {
	if len(buckets) == 0 {
		fmt.Println("No indicators found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tCOUNT\n", header)
	for _, b := range buckets {
		fmt.Fprintf(tw, "%s\t%d\n", b.Name, b.Count)
	}
	return tw.Flush()
}

func listAudit(ctx context.Context, st *store.Store, limit int) error {
	entries, err := st.GetAuditEntries(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("failed to get audit entries: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tREMOTE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Target, e.Remote)
	}
	return tw.Flush()
}

func listRuns(ctx context.Context, b bus.Bus, n int64) error {
	runs, err := b.RecentRuns(ctx, n)
	if err != nil {
		return fmt.Errorf("failed to read recent runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Run summaries are kept in Redis; set --redis to enable them.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tFEEDS\tNEW\tCOMPACTED\tSYNC\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n", r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second), len(r.Feeds), r.Inserted(), r.Compacted, r.SyncMode, r.Error)
	}
	return tw.Flush()
}

func listBusStats(ctx context.Context, b bus.Bus) error {
	stats, err := b.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bus stats: %w", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%v\n", k, stats[k])
	}
	return tw.Flush()
}

func listCVEs(ctx context.Context, r *cvefeed.Reader, limit int) error {
	items, err := r.Recent(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No advisories in the CVE feed.")
		return nil
	}
	if len(items) > limit {
		items = items[:limit]
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBLISHED\tTITLE\tLINK")
	for _, it := range items {
		published := "-"
		if it.Published != nil {
			published = it.Published.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", published, it.Title, it.Link)
	}
	return tw.Flush()
}
