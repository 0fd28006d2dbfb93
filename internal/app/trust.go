package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"fairwatch/internal/bus"
	"fairwatch/internal/rollup"
	"fairwatch/internal/trust"
)

// TrustShow prints one subject's record, or every subject of the engine
// when subject is empty.
func (a *App) TrustShow(ctx context.Context, engine, subject string, explain bool, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	scorer, err := a.newScorer(ctx, store, nil, nil)
	if err != nil {
		return err
	}
	e, ok := scorer.Engine(engine)
	if !ok {
		return fmt.Errorf("unknown trust engine %q (want casino, degen or domain)", engine)
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	if subject == "" {
		subjects := e.Subjects()
		if len(subjects) == 0 {
			fmt.Fprintln(writer, "no trust records found")
			return nil
		}
		sort.Strings(subjects)
		fmt.Fprintln(writer, "Subject\tScore\tBand\tEvents\tLast Updated (UTC)")
		for _, id := range subjects {
			rec, _ := e.Record(id)
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n", id, formatFloat(rec.Score, 1), e.Policy().Band(rec.Score),
				len(rec.History), rec.LastUpdated.UTC().Format(time.RFC3339))
		}
		return nil
	}

	rec, ok := e.Record(subject)
	if !ok {
		fmt.Fprintf(writer, "%s\t%s\t%s\t(no signals)\n", subject, formatFloat(e.Policy().Start, 1), e.Policy().Band(e.Policy().Start))
		return nil
	}
	fmt.Fprintf(writer, "%s\t%s\t%s\n", rec.SubjectID, formatFloat(rec.Score, 1), e.Policy().Band(rec.Score))

	cats := make([]string, 0, len(rec.Components))
	for c := range rec.Components {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(writer, "  %s\t%s\n", c, formatFloat(rec.Components[c], 1))
	}
	if explain {
		fmt.Fprintln(writer)
		for _, line := range e.Explain(subject, 10) {
			fmt.Fprintf(writer, "- %s\n", sanitizeInline(line))
		}
	}
	return nil
}

// TrustOverride applies an admin safe/unsafe classification to a domain and
// records it in the rollup output.
func (a *App) TrustOverride(ctx context.Context, domain string, safe bool, actor string) (trust.Update, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return trust.Update{}, err
	}
	defer closeStore()

	events := bus.New(a.Logger)
	agg := rollup.New(rollup.Options{Dir: a.Config.Rollup.Dir, SnapshotInterval: a.Config.Rollup.SnapshotInterval}, nil, a.Logger)
	agg.Subscribe(events)

	scorer, err := a.newScorer(ctx, store, events, nil)
	if err != nil {
		return trust.Update{}, err
	}
	upd, err := scorer.OverrideDomain(ctx, trust.HostOf(domain), safe, actor)
	if err != nil {
		return trust.Update{}, err
	}
	if _, err := agg.Flush(ctx, true); err != nil {
		return upd, err
	}
	return upd, nil
}

// RollupShow prints the latest rollup snapshot file.
func (a *App) RollupShow(out io.Writer, limit int) error {
	snap, err := rollup.ReadLatest(a.Config.Rollup.Dir)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	fmt.Fprintf(writer, "generated\t%s\n", snap.GeneratedAt.UTC().Format(time.RFC3339))
	batches := snap.Batches
	if limit > 0 && len(batches) > limit {
		batches = batches[len(batches)-limit:]
	}
	if len(batches) == 0 {
		fmt.Fprintln(writer, "no batches recorded")
		return nil
	}
	fmt.Fprintln(writer, "Kind\tSubject\tEvents\tTotal Delta\tLast Score\tSeverity")
	for _, b := range batches {
		printWindow(writer, "domain", b.Domain)
		printWindow(writer, "casino", b.Casino)
	}
	return nil
}

func printWindow(w io.Writer, kind string, win *rollup.Window) {
	if win == nil {
		return
	}
	subjects := make([]string, 0, len(win.Subjects))
	for s := range win.Subjects {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	for _, s := range subjects {
		e := win.Subjects[s]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n", kind, strings.ToLower(s), e.Events,
			formatFloat(e.TotalDelta, 1), formatFloat(e.LastScore, 1), e.LastSeverity)
	}
}
