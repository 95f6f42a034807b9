package cli

import (
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version = "1.0.0"
	commit  = "none"
	date    = "unknown"
)

// NewRootCmd assembles the diabetesai command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "diabetesai",
		Short: "Diabetes risk prediction service",
		Long: `diabetesai classifies clinical measurements as Normal, Prediabetic or
Diabetic and explains which measurements drove the result.

Every front-end (REST API, web form, Slack bot and this CLI) shares one
prediction pipeline: range validation, per-identity rate limiting, model
inference, feature attribution and an audit trail.`,
		Version:       version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default $DIABETESAI_CONFIG or ./config.yaml)")

	root.AddCommand(NewServeCmd(&configPath))
	root.AddCommand(NewBotCmd(&configPath))
	root.AddCommand(NewPredictCmd(&configPath))
	root.AddCommand(NewBatchCmd(&configPath))
	root.AddCommand(NewStatsCmd(&configPath))
	root.AddCommand(NewTokenCmd(&configPath))
	return root
}
