package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"diabetesai/auth"
	"diabetesai/chat"
	"diabetesai/pipeline"

	"github.com/spf13/cobra"
)

// NewPredictCmd creates the 'predict' command for a single local prediction.
func NewPredictCmd(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "predict VALUES...",
		Short: "Predict from eleven measurements",
		Long: `Run one prediction against the local model and audit log.

Values are given in canonical order: Gender AGE Urea Cr HbA1c Chol TG HDL LDL
VLDL BMI, separated by spaces or commas. The request is rate limited and
audited under the current OS user.`,
		Example: `  diabetesai predict 0 50 4.7 46 4.9 4.2 0.9 2.4 1.4 0.5 24.0
  diabetesai predict "0,50,4.7,46,4.9,4.2,0.9,2.4,1.4,0.5,24.0" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := chat.ParseValues(strings.Join(args, " "))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			pred, err := app.Pipeline.PredictOne(cmd.Context(), pipeline.Request{
				Identity: auth.CLIIdentity(),
				Source:   pipeline.SourceCLI,
				Values:   values,
			})
			if err != nil {
				return describeError(err)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), pred)
			}
			printPrediction(cmd.OutOrStdout(), pred)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func printPrediction(w io.Writer, pred *pipeline.Prediction) {
	fmt.Fprintf(w, "Prediction: %s (class %s)\n", pred.Label, pred.Class)
	fmt.Fprintf(w, "Confidence: %s\n", pred.Confidence)
	if pred.Degraded {
		fmt.Fprintf(w, "Explanation unavailable: %s\n", pred.DegradedReason)
	} else {
		fmt.Fprintln(w, "Top contributing features:")
		for _, c := range pred.Attribution {
			fmt.Fprintf(w, "  %-6s %+.4f\n", c.Feature, c.Score)
		}
	}
	fmt.Fprintf(w, "Request:    %s\n", pred.RequestID)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
