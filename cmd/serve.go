package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Ashfaaq98/evilwatch/internal/api"
	"github.com/Ashfaaq98/evilwatch/internal/lookup"
	"github.com/Ashfaaq98/evilwatch/internal/scheduler"
)

var (
	serveBind     string
	serveNoIngest bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API and the ingestion scheduler",
	Long: `Start the EvilWatch server which includes:

1. The HTTP query API (check, list, search, stats, enrichment fallback,
   recent CVEs, on-demand ingestion via POST /ingest/run)
2. The ingestion scheduler, running immediately and then on an interval
3. The lookup filter used to answer misses without touching the store

The config file is watched; changes to the feeds list apply from the next
ingestion run. The serve command runs until interrupted (Ctrl+C) and lets
an in-progress run finish before exiting.

Examples:
  # Serve on the default address with a 10 minute interval
  evilwatch serve

  # Serve only, leave ingestion to a cron job
  evilwatch serve --no-ingest --bind 0.0.0.0:8000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveBind, "bind", "", "API bind address (default api.bind)")
	serveCmd.Flags().BoolVar(&serveNoIngest, "no-ingest", false, "Do not run the ingestion scheduler")
	viper.BindPFlag("api.bind", serveCmd.Flags().Lookup("bind"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger("serve")
	logger.Println("Starting EvilWatch server")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	logger.Printf("Using database at %s", st.Path())

	filter := lookup.NewFilter(st, newLogger("lookup"))
	runner, err := a.runner(func(ctx context.Context) {
		if err := filter.Refresh(ctx); err != nil {
			logger.Printf("Lookup filter refresh after sync failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	idx, err := a.openIndex()
	if err != nil {
		return err
	}
	enricher, err := a.enricher()
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(runner, a.cfg.Ingest.Interval, newLogger("scheduler"))
	deps := api.Deps{
		Store:    st,
		Index:    idx,
		Filter:   filter,
		Enricher: enricher,
		Bus:      a.openBus(),
		CVEs:     a.cves(),
	}
	if !serveNoIngest {
		deps.Scheduler = sched
	}
	server := api.NewServer(deps, api.Options{
		Bind:      a.cfg.API.Bind,
		JWTSecret: a.cfg.API.JWTSecret,
		Logger:    newLogger("api"),
	})

	watchFeeds(a, sched, logger)

	refresh := a.cfg.API.FilterRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Run(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return filter.Run(gctx, refresh) })
	if !serveNoIngest {
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		logger.Println("Ingestion scheduler disabled")
	}

	err = g.Wait()
	logger.Println("EvilWatch server stopped")
	return err
}

// watchFeeds reloads the feed table when the config file changes. A bad
// table is logged and the previous one kept.
func watchFeeds(a *app, sched *scheduler.Scheduler, logger *log.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		descs, err := loadFeeds(viper.GetViper())
		if err != nil {
			logger.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		srcs, err := a.sources(descs)
		if err != nil {
			logger.Printf("Ignoring config change in %s: %v", e.Name, err)
			return
		}
		sched.SetSources(srcs)
		logger.Printf("Feed table reloaded from %s: %d feeds, applies from the next run", e.Name, len(srcs))
	})
	viper.WatchConfig()
}
