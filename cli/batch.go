package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"diabetesai/auth"
	"diabetesai/features"
	"diabetesai/pipeline"

	"github.com/spf13/cobra"
)

// NewBatchCmd creates the 'batch' command that predicts every row of a CSV file.
func NewBatchCmd(configPath *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Predict every row of a CSV file",
		Long: `Run a batch prediction over a CSV file. A header row naming the features
is optional; without one the columns are read in canonical order. Use "-"
to read from stdin.

Rows fail independently: an invalid row is reported and the rest of the
batch still runs. The whole batch costs one rate-limit slot.`,
		Example: `  diabetesai batch patients.csv
  cat patients.csv | diabetesai batch - --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(cmd.InOrStdin(), args[0])
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

			result, err := app.Pipeline.PredictBatch(cmd.Context(), pipeline.BatchRequest{
				Identity: auth.CLIIdentity(),
				Source:   pipeline.SourceCLI,
				Rows:     rows,
			})
			if err != nil {
				return describeError(err)
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printBatch(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func readRows(stdin io.Reader, path string) ([]features.Values, error) {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}
	return parseCSV(in)
}

// parseCSV reads feature rows. Cells that are not numbers become NaN so the
// validator reports them against their row.
func parseCSV(r io.Reader) ([]features.Values, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("csv has no rows")
	}

	columns := features.Names()
	if _, err := strconv.ParseFloat(strings.TrimSpace(records[0][0]), 64); err != nil {
		columns = records[0]
		records = records[1:]
		for i, name := range columns {
			columns[i] = strings.TrimSpace(name)
		}
	}

	rows := make([]features.Values, 0, len(records))
	for _, record := range records {
		row := make(features.Values, features.Count)
		for i, cell := range record {
			if i >= len(columns) {
				break
			}
			if _, ok := features.Index(columns[i]); !ok {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				v = math.NaN()
			}
			row[columns[i]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func printBatch(w io.Writer, result *pipeline.BatchResult) {
	for _, row := range result.Results {
		if row.Status == pipeline.StatusSuccess {
			fmt.Fprintf(w, "%4d  %-11s %s\n", row.Index+1, row.Prediction.Label, row.Prediction.Confidence)
			continue
		}
		fmt.Fprintf(w, "%4d  failed      %s\n", row.Index+1, row.Error)
		for _, d := range row.Details {
			fmt.Fprintf(w, "        %s\n", d)
		}
	}
	fmt.Fprintf(w, "\n%d rows: %d successful, %d failed (%.2fs)\n",
		result.Total, result.Successful, result.Failed, result.ElapsedSeconds)
}
