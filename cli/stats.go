package cli

import (
	"fmt"
	"io"
	"sort"

	"diabetesai/auth"
	"diabetesai/pipeline"

	"github.com/spf13/cobra"
)

// NewStatsCmd creates the 'stats' command.
func NewStatsCmd(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show prediction statistics from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Pipeline.Stats(cmd.Context(), auth.CLIIdentity())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func printStats(w io.Writer, stats *pipeline.Stats) {
	fmt.Fprintf(w, "Total predictions: %d\n", stats.TotalPredictions)
	fmt.Fprintf(w, "Yours:             %d\n", stats.IdentityPredictions)
	fmt.Fprintf(w, "Rate limit:        %d of %d remaining per %ds\n",
		stats.RateLimitRemaining, stats.RateLimit, stats.WindowSeconds)

	classes := make([]string, 0, len(stats.ClassDistribution))
	for class := range stats.ClassDistribution {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	fmt.Fprintln(w, "\nClass distribution:")
	for _, class := range classes {
		fmt.Fprintf(w, "  %-11s %d\n", pipeline.DisplayName(class), stats.ClassDistribution[class])
	}

	printRecent(w, "Recent predictions:", stats.Recent)
	printRecent(w, "Your recent predictions:", stats.IdentityRecent)
}

func printRecent(w io.Writer, title string, recent []pipeline.RecentPrediction) {
	if len(recent) == 0 {
		return
	}
	fmt.Fprintln(w, "\n"+title)
	for _, r := range recent {
		fmt.Fprintf(w, "  %s  %-11s %s\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.Label, r.Source)
	}
}
