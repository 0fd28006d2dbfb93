package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"fairwatch/internal/normalize"
	"fairwatch/internal/storage"
)

// ImportSummary reports what an import did.
type ImportSummary struct {
	Parsed     int
	Inserted   int
	Rejections []normalize.Rejection
	Analyzed   bool
}

// Import loads a casino CSV export, stores the rows and analyses the newest
// window. Admin path: no session admission is required.
func (a *App) Import(ctx context.Context, opts ImportOptions) (ImportSummary, error) {
	if opts.Path == "" || opts.Casino == "" {
		return ImportSummary{}, errors.New("--file 与 --casino 均为必填")
	}

	file, err := os.Open(opts.Path)
	if err != nil {
		return ImportSummary{}, err
	}
	defer file.Close()

	normalizer := normalize.New(normalize.DefaultRegistry(), normalize.Options{WinCeiling: a.Config.Ingest.WinCeiling}, a.Logger)
	records, rejections, err := normalizer.ParseCSV(file, opts.Casino)
	if err != nil {
		return ImportSummary{}, err
	}
	summary := ImportSummary{Parsed: len(records), Rejections: rejections}

	if opts.DryRun {
		a.Logger.Warn().Int("parsed", len(records)).Int("rejected", len(rejections)).Msg("导入 dry-run：不会写入数据库")
		return summary, nil
	}
	if len(records) == 0 {
		return summary, nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return summary, err
	}
	defer closeStore()

	inserted, err := store.InsertBatch(ctx, records)
	if err != nil {
		return summary, fmt.Errorf("insert batch: %w", err)
	}
	summary.Inserted = inserted

	if inserted > 0 {
		det := a.newDetector(store)
		analysis, err := det.Run(ctx, opts.Casino)
		if err != nil {
			return summary, err
		}
		summary.Analyzed = true
		a.Logger.Info().Str("casino_id", opts.Casino).Float64("risk_score", analysis.RiskScore).
			Str("label", string(analysis.Label)).Int("findings", len(analysis.Findings)).Msg("导入后窗口分析完成")

		from, to := recordSpan(records)
		if _, err := a.recompute(ctx, store, RecomputeOptions{Casino: opts.Casino, From: from, To: to}); err != nil {
			return summary, err
		}
	}

	a.Logger.Info().Int("parsed", summary.Parsed).Int("inserted", summary.Inserted).
		Int("rejected", len(summary.Rejections)).Msg("导入完成")
	return summary, nil
}

// Recompute rebuilds snapshot buckets for a casino over [From, To).
func (a *App) Recompute(ctx context.Context, opts RecomputeOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	_, err = a.recompute(ctx, store, opts)
	return err
}

func (a *App) recompute(ctx context.Context, store storage.Store, opts RecomputeOptions) (int, error) {
	det := a.newDetector(store)
	window := det.SnapshotWindow()

	start := opts.From.UTC().Truncate(window)
	end := opts.To.UTC()
	if !start.Before(end) {
		return 0, errors.New("重算范围为空，请检查 --from/--to")
	}

	processed := 0
	failed := 0
	for bucket := start; bucket.Before(end); bucket = bucket.Add(window) {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}

		snap, err := det.Summarize(ctx, opts.Casino, bucket)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("bucket", bucket).Msg("重算失败")
			continue
		}
		if snap.SpinCount > 0 {
			processed++
		}
	}

	a.Logger.Info().Str("casino_id", opts.Casino).Int("processed", processed).Int("failed", failed).Msg("重算完成")
	if failed > 0 {
		return processed, errors.New("部分 bucket 重算失败，请检查日志")
	}
	return processed, nil
}

// recordSpan returns the half-open time range covering recs.
func recordSpan(recs []storage.OutcomeRecord) (time.Time, time.Time) {
	ts := make([]time.Time, len(recs))
	for i, r := range recs {
		ts[i] = r.Timestamp
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return ts[0], ts[len(ts)-1].Add(time.Nanosecond)
}
