package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fairwatch/internal/app"
)

var (
	importFile   string
	importCasino string
	importDryRun bool

	recomputeCasino string
	recomputeFrom   string
	recomputeTo     string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a casino CSV export and analyse it",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().Import(cmd.Context(), app.ImportOptions{
			Path:   importFile,
			Casino: importCasino,
			DryRun: importDryRun,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "parsed: %d\ninserted: %d\nrejected: %d\n", summary.Parsed, summary.Inserted, len(summary.Rejections))
		for _, r := range summary.Rejections {
			fmt.Fprintf(out, "  line %d: %s\n", r.Line, r.Reason)
		}
		return nil
	},
}

var recomputeCmd = &cobra.Command{
	Use:     "recompute",
	Aliases: []string{"backfill"},
	Short:   "Rebuild metric snapshots for a casino",
	RunE: func(cmd *cobra.Command, args []string) error {
		if recomputeCasino == "" {
			return fmt.Errorf("--casino must be provided")
		}
		from, err := timeFlag("from", recomputeFrom)
		if err != nil {
			return err
		}
		to, err := timeFlag("to", recomputeTo)
		if err != nil {
			return err
		}
		if from == nil || to == nil {
			return fmt.Errorf("--from and --to must be provided")
		}
		if !from.Before(*to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Recompute(cmd.Context(), app.RecomputeOptions{Casino: recomputeCasino, From: *from, To: *to})
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "Path to the CSV export")
	importCmd.Flags().StringVar(&importCasino, "casino", "", "Casino the export belongs to")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and report without writing to storage")

	recomputeCmd.Flags().StringVar(&recomputeCasino, "casino", "", "Casino to recompute")
	recomputeCmd.Flags().StringVar(&recomputeFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	recomputeCmd.Flags().StringVar(&recomputeTo, "to", "", "End timestamp (RFC3339, exclusive)")
}
