package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/evilwatch/internal/bus"
	"github.com/Ashfaaq98/evilwatch/internal/scheduler"
)

var (
	watchMode      bool
	watchInterval  time.Duration
	ingestOnlyFeed []string
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch every feed and merge it into the store",
	Long: `Ingest runs the feed adapters in their configured order, writes new
indicators to the store, refreshes last_seen on re-observed ones, compacts
duplicates and reconciles the search index.

A failing feed is logged and skipped; the run still completes. Only one run
may be active against a database at a time, across processes.

Examples:
  # One run with the built-in feed table
  evilwatch ingest

  # Only some feeds
  evilwatch ingest --feed tor_exit --feed abusech_feodo

  # Keep running every 30 minutes until interrupted
  evilwatch ingest --watch --interval 30m`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&watchMode, "watch", false, "Keep running on an interval until interrupted")
	ingestCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Interval between runs in watch mode (default ingest.interval)")
	ingestCmd.Flags().StringSliceVar(&ingestOnlyFeed, "feed", nil, "Restrict the run to the named feeds")
}

// runIngestOnce is the root command action. The ingest flags are not
// registered on the root, so they keep their zero values here.
func runIngestOnce(cmd *cobra.Command, args []string) error {
	return runIngest(cmd, args)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(ingestOnlyFeed) > 0 {
		selected, err := selectFeeds(a.cfg.Feeds, ingestOnlyFeed)
		if err != nil {
			return err
		}
		a.cfg.Feeds = selected
	}

	runner, err := a.runner(nil)
	if err != nil {
		return err
	}

	if !watchMode {
		run, err := runner.RunOnce(ctx)
		if errors.Is(err, scheduler.ErrRunInProgress) {
			return fmt.Errorf("another ingestion run holds the lock for %s", a.cfg.Database.Path)
		}
		printRunSummary(os.Stdout, run)
		return err
	}

	interval := watchInterval
	if interval <= 0 {
		interval = a.cfg.Ingest.Interval
	}
	sched := scheduler.NewScheduler(runner, interval, newLogger("scheduler"))
	return sched.Run(ctx)
}

// printRunSummary writes the per-feed outcome of a run as a table.
func printRunSummary(w io.Writer, run bus.RunMessage) {
	if run.RunID == "" {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FEED\tCANDIDATES\tNEW\tEXISTING\tFAILED\tTIME\tERROR")
	for _, f := range run.Feeds {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n", f.Name, f.Candidates, f.Inserted, f.Existing, f.Failed,
			(time.Duration(f.DurationMS) * time.Millisecond).String(), f.Error)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nRun %s: %d new indicators, %d duplicates compacted", run.RunID, run.Inserted(), run.Compacted)
	if run.SyncMode != "" {
		fmt.Fprintf(w, ", search index %s sync (%d entries)", run.SyncMode, run.Indexed)
	}
	fmt.Fprintln(w)
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}
}
