package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fairwatch/internal/app"
	"fairwatch/internal/fairness"
)

var (
	verifyOpts     app.VerifyOptions
	verifyGame     string
	verifyObserved float64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-derive provably fair outcomes from their seeds",
	Example: `  fairwatch verify --server-seed s --subject alice --client-seed c --hash 3f9a...
  fairwatch verify --block 19000000 --subject alice --client-seed c --observed 42.17 --game dice
  fairwatch verify --file bets.json --casino stake`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := verifyOpts
		opts.Bet.Game = fairness.Game(verifyGame)
		if cmd.Flags().Changed("observed") {
			observed := verifyObserved
			opts.Bet.Observed = &observed
		}

		report, err := getApp().Verify(cmd.Context(), opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d bets failed verification", report.Failed, report.Total)
		}
		return nil
	},
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyOpts.File, "file", "", "JSON array of bets to audit")
	f.StringVar(&verifyOpts.Casino, "casino", "", "Casino whose latest client seed fills bets without one")
	f.Float64Var(&verifyOpts.Epsilon, "epsilon", fairness.DefaultEpsilon, "Tolerance for derived result comparisons")
	f.StringVar(&verifyOpts.Block, "block", "", "Block number whose hash is the committed seed")

	f.StringVar(&verifyOpts.Bet.CommittedSeed, "server-seed", "", "Revealed committed server seed")
	f.StringVar(&verifyOpts.Bet.SubjectID, "subject", "", "Player identifier mixed into the digest")
	f.StringVar(&verifyOpts.Bet.ClientSeed, "client-seed", "", "Client seed")
	f.StringVar(&verifyOpts.Bet.ReportedHash, "hash", "", "Digest reported by the casino")
	f.Float64Var(&verifyObserved, "observed", 0, "Observed game result")
	f.StringVar(&verifyGame, "game", string(fairness.GameRaw), "Game mapping for --observed: dice, limbo or raw")
	f.Float64Var(&verifyOpts.Bet.HouseEdge, "house-edge", fairness.DefaultHouseEdge, "House edge for limbo")
}
