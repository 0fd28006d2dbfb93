// Package seedsource resolves committed seeds and audits bets against them.
package seedsource

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"fairwatch/internal/fairness"
	"fairwatch/internal/storage"
)

// Source resolves a reference (block number, commitment hash) to a committed seed.
type Source interface {
	CommittedSeed(ctx context.Context, ref string) (string, error)
}

// Auditor runs batch verifications, filling gaps from the seed audit trail.
type Auditor struct {
	seeds  storage.SeedStore
	source Source
	logger zerolog.Logger
}

// NewAuditor builds an Auditor. seeds and source may be nil.
func NewAuditor(seeds storage.SeedStore, source Source, logger zerolog.Logger) *Auditor {
	return &Auditor{seeds: seeds, source: source, logger: logger.With().Str("component", "seed_auditor").Logger()}
}

// Audit verifies bets for casinoID. Bets without a client seed take the most
// recent submission for the casino; bets whose committed seed is a source
// reference ("ref:<value>") are resolved through the configured source.
func (a *Auditor) Audit(ctx context.Context, casinoID string, bets []fairness.Bet, epsilon float64) (fairness.AuditReport, error) {
	var latest string
	if a.seeds != nil && casinoID != "" {
		subs, err := a.seeds.SeedsFor(ctx, casinoID, 1)
		if err != nil {
			return fairness.AuditReport{}, fmt.Errorf("load seeds: %w", err)
		}
		if len(subs) > 0 {
			latest = subs[0].Seed
		}
	}

	resolved := make([]fairness.Bet, len(bets))
	for i, bet := range bets {
		if bet.ClientSeed == "" {
			bet.ClientSeed = latest
		}
		if ref, ok := strings.CutPrefix(bet.CommittedSeed, "ref:"); ok {
			if a.source == nil {
				return fairness.AuditReport{}, fmt.Errorf("bet %s references %q but no seed source is configured", bet.ID, ref)
			}
			seed, err := a.source.CommittedSeed(ctx, ref)
			if err != nil {
				return fairness.AuditReport{}, fmt.Errorf("resolve committed seed for bet %s: %w", bet.ID, err)
			}
			bet.CommittedSeed = seed
		}
		resolved[i] = bet
	}

	report := fairness.Audit(resolved, epsilon)
	a.logger.Info().Str("casino_id", casinoID).Int("total", report.Total).Int("passed", report.Passed).
		Int("failed", report.Failed).Int("weak", report.Weak).Msg("audit complete")
	return report, nil
}
