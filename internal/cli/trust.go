package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	trustExplain  bool
	overrideActor string
	rollupLimit   int
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and adjust trust scores",
}

var trustShowCmd = &cobra.Command{
	Use:       "show <casino|degen|domain> [subject]",
	Short:     "Print trust records",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"casino", "degen", "domain"},
	RunE: func(cmd *cobra.Command, args []string) error {
		subject := ""
		if len(args) == 2 {
			subject = args[1]
		}
		return getApp().TrustShow(cmd.Context(), args[0], subject, trustExplain, cmd.OutOrStdout())
	},
}

var trustOverrideCmd = &cobra.Command{
	Use:   "override <domain> <safe|unsafe>",
	Short: "Classify a link domain as safe or unsafe",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var safe bool
		switch args[1] {
		case "safe":
			safe = true
		case "unsafe":
		default:
			return fmt.Errorf("classification must be safe or unsafe, got %q", args[1])
		}
		upd, err := getApp().TrustOverride(cmd.Context(), args[0], safe, overrideActor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %.1f -> %.1f (%s)\n", upd.SubjectID, upd.PreviousScore, upd.NewScore, upd.Band)
		return nil
	},
}

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Print the latest trust rollup snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RollupShow(cmd.OutOrStdout(), rollupLimit)
	},
}

func init() {
	trustShowCmd.Flags().BoolVar(&trustExplain, "explain", false, "Include the reasons behind the score")
	trustOverrideCmd.Flags().StringVar(&overrideActor, "actor", "cli", "Who made the decision")
	trustCmd.AddCommand(trustShowCmd, trustOverrideCmd)

	rollupCmd.Flags().IntVar(&rollupLimit, "limit", 6, "Number of recent batches to print")
}
