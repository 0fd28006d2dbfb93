package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"fairwatch/internal/storage"
)

// Export renders metric snapshots for one casino as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Casino == "" {
		return errors.New("--casino is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	window := time.Duration(a.Config.Detector.SnapshotWindowHours) * time.Hour
	if window <= 0 {
		window = time.Hour
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * window)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snaps, err := store.SnapshotsFor(ctx, opts.Casino, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Str("casino_id", opts.Casino).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, opts.Casino, a.Config.Detector.BaselineRTP, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snaps []storage.MetricSnapshot, max int) []storage.MetricSnapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	if max == 1 {
		return snaps[len(snaps)-1:]
	}

	result := make([]storage.MetricSnapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snaps []storage.MetricSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"window_start", "window_end", "spin_count", "total_bet", "total_win", "rtp", "mean_net_win", "volatility"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snaps {
		record := []string{
			snap.WindowStart.UTC().Format(time.RFC3339),
			snap.WindowEnd.UTC().Format(time.RFC3339),
			strconv.Itoa(snap.SpinCount),
			formatFloat(snap.TotalBet, 2),
			formatFloat(snap.TotalWin, 2),
			formatFloat(snap.RTP, 4),
			formatFloat(snap.MeanNetWin, 4),
			formatFloat(snap.Volatility, 4),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path, casino string, baseline float64, snaps []storage.MetricSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	rtp := make([]float64, len(snaps))
	expected := make([]float64, len(snaps))
	volatility := make([]float64, len(snaps))

	for i, snap := range snaps {
		x[i] = snap.WindowStart
		rtp[i] = snap.RTP * 100
		expected[i] = baseline * 100
		volatility[i] = snap.Volatility
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  casino,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "RTP (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volatility",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "RTP",
				XValues: x,
				YValues: rtp,
			},
			chart.TimeSeries{
				Name:    "Baseline",
				XValues: x,
				YValues: expected,
			},
			chart.TimeSeries{
				Name:    "Volatility",
				XValues: x,
				YValues: volatility,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// formatFloat rounds half away from zero so exported totals match the
// figures printed by show.
func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
