package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"fairwatch/internal/storage"
)

// Show prints recent rows of one table for a casino.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Casino == "" {
		return errors.New("--casino is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.show(ctx, store, opts, os.Stdout)
}

func (a *App) show(ctx context.Context, store storage.Store, opts ShowOptions, out io.Writer) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	switch opts.What {
	case "", "anomalies":
		findings, err := store.RecentAnomalies(ctx, opts.Casino, opts.Limit)
		if err != nil {
			return err
		}
		if len(findings) == 0 {
			fmt.Fprintln(writer, "no anomalies found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tKind\tSeverity\tConfidence\tReason")
		for _, f := range findings {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
				f.Timestamp.UTC().Format(time.RFC3339),
				f.Kind,
				f.Severity,
				formatFloat(f.Confidence, 2),
				sanitizeInline(f.Reason),
			)
		}

	case "snapshots":
		now := time.Now().UTC()
		snaps, err := store.SnapshotsFor(ctx, opts.Casino, time.Time{}, now.Add(time.Hour))
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(writer, "no snapshots found")
			return nil
		}
		if len(snaps) > opts.Limit {
			snaps = snaps[len(snaps)-opts.Limit:]
		}
		fmt.Fprintln(writer, "Window (UTC)\tSpins\tBet\tWin\tRTP%\tVolatility")
		for _, s := range snaps {
			fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n",
				s.WindowStart.UTC().Format(time.RFC3339),
				s.SpinCount,
				formatFloat(s.TotalBet, 2),
				formatFloat(s.TotalWin, 2),
				formatFloat(s.RTP*100, 2),
				formatFloat(s.Volatility, 3),
			)
		}

	case "seeds":
		seeds, err := store.SeedsFor(ctx, opts.Casino, opts.Limit)
		if err != nil {
			return err
		}
		if len(seeds) == 0 {
			fmt.Fprintln(writer, "no seed submissions found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tSeed\tSubmitted By")
		for _, s := range seeds {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", s.Timestamp.UTC().Format(time.RFC3339), sanitizeInline(s.Seed), s.SubmittedBy)
		}

	case "outcomes":
		recs, err := store.RecentFor(ctx, opts.Casino, opts.Limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(writer, "no outcomes found")
			return nil
		}
		fmt.Fprintln(writer, "Time (UTC)\tID\tBet\tWin\tNet\tTag")
		for _, r := range recs {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.UTC().Format(time.RFC3339),
				r.ID,
				formatFloat(r.BetAmount, 2),
				formatFloat(r.WinAmount, 2),
				formatFloat(r.NetWin, 2),
				r.OutcomeTag,
			)
		}

	default:
		return fmt.Errorf("unknown table %s (want anomalies, snapshots, seeds or outcomes)", strconv.Quote(opts.What))
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
