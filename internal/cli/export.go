package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fairwatch/internal/app"
)

var (
	exportCasino    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export metric snapshots as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Casino:    exportCasino,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.From, err = timeFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = timeFlag("to", exportTo); err != nil {
			return err
		}
		if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCasino, "casino", "", "Casino to export")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}

// timeFlag parses an optional RFC3339 flag value; empty yields nil.
func timeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}
