package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ashfaaq98/evilwatch/internal/feeds"
)

var feedsFormat string

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Show the effective feed table",
	Long: `Feeds prints the feed table the next ingestion run will use, in order.

The yaml format can be pasted under the feeds key of .evilwatch.yaml to
customise the table.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		return writeFeeds(os.Stdout, cfg.Feeds, feedsFormat)
	},
}

func init() {
	rootCmd.AddCommand(feedsCmd)

	feedsCmd.Flags().StringVar(&feedsFormat, "format", "table", "Output format: table, yaml")
}

func writeFeeds(w io.Writer, descs []feeds.Descriptor, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string][]feeds.Descriptor{"feeds": descs}); err != nil {
			return fmt.Errorf("encode feeds: %w", err)
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tNAME\tTYPE\tCATEGORY\tSEVERITY\tFORMAT\tAUTH\tSTATUS\tURL")
		for i, d := range descs {
			status := "enabled"
			if d.Disabled {
				status = "disabled"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i+1, d.Name, d.Type, d.Category, d.Severity, d.Format, d.Auth, status, d.URL)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (use table or yaml)", format)
	}
}

// selectFeeds keeps the named feeds, preserving table order.
func selectFeeds(descs []feeds.Descriptor, names []string) ([]feeds.Descriptor, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []feeds.Descriptor
	for _, d := range descs {
		if want[d.Name] {
			out = append(out, d)
			delete(want, d.Name)
		}
	}
	for _, n := range names {
		if want[n] {
			return nil, fmt.Errorf("unknown feed %q", n)
		}
	}
	return out, nil
}
