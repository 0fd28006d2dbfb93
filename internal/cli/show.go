package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fairwatch/internal/app"
)

var (
	showCasino string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:       "show [anomalies|snapshots|seeds|outcomes]",
	Short:     "Display recent rows for a casino",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"anomalies", "snapshots", "seeds", "outcomes"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Casino: showCasino,
			Limit:  showLimit,
		}
		if len(args) == 1 {
			opts.What = args[0]
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCasino, "casino", "", "Casino to inspect")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
