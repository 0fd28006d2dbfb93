package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"fairwatch/internal/fairness"
	"fairwatch/internal/seedsource"
	"fairwatch/internal/storage"
)

// VerifyOptions configure an offline verification run.
type VerifyOptions struct {
	// File holds a JSON array of bets. When empty a single bet is built
	// from the remaining fields.
	File    string
	Casino  string
	Epsilon float64
	// Block resolves the committed seed from an on-chain block hash.
	Block string

	Bet fairness.Bet
}

// Verify re-derives the outcomes of one or more bets and writes the report
// as indented JSON.
func (a *App) Verify(ctx context.Context, opts VerifyOptions, out io.Writer) (fairness.AuditReport, error) {
	bets, err := loadBets(opts)
	if err != nil {
		return fairness.AuditReport{}, err
	}
	if opts.Block != "" {
		for i := range bets {
			if bets[i].CommittedSeed == "" {
				bets[i].CommittedSeed = "ref:" + opts.Block
			}
		}
	}

	var seeds storage.SeedStore
	if opts.Casino != "" {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return fairness.AuditReport{}, err
		}
		defer closeStore()
		seeds = store
	}

	source := a.newSeedSource()
	if chain, ok := source.(*seedsource.BlockHashSource); ok {
		defer chain.Close()
	}

	report, err := seedsource.NewAuditor(seeds, source, a.Logger).Audit(ctx, opts.Casino, bets, opts.Epsilon)
	if err != nil {
		return report, err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return report, err
	}
	return report, nil
}

func loadBets(opts VerifyOptions) ([]fairness.Bet, error) {
	if opts.File == "" {
		if opts.Bet.ReportedHash == "" && opts.Bet.Observed == nil {
			return nil, errors.New("provide --hash or --observed, or --file with a bet list")
		}
		bet := opts.Bet
		if bet.ID == "" {
			bet.ID = "cli"
		}
		return []fairness.Bet{bet}, nil
	}

	body, err := os.ReadFile(opts.File)
	if err != nil {
		return nil, err
	}
	var bets []fairness.Bet
	if err := json.Unmarshal(body, &bets); err != nil {
		return nil, fmt.Errorf("decode %s: %w", opts.File, err)
	}
	if len(bets) == 0 {
		return nil, fmt.Errorf("%s contains no bets", opts.File)
	}
	return bets, nil
}
