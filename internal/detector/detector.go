// Package detector scores outcome windows for rigging and drift.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/storage"
)

// Label is the five-tier composite severity.
type Label string

const (
	LabelNone     Label = "NONE"
	LabelLow      Label = "LOW"
	LabelElevated Label = "ELEVATED"
	LabelHigh     Label = "HIGH"
	LabelCritical Label = "CRITICAL"
)

// LabelFor maps a composite score in [0,1] to its tier.
func LabelFor(score float64) Label {
	switch {
	case score < 0.2:
		return LabelNone
	case score < 0.4:
		return LabelLow
	case score < 0.6:
		return LabelElevated
	case score < 0.8:
		return LabelHigh
	default:
		return LabelCritical
	}
}

// Options tune the detector.
type Options struct {
	WindowSize        int
	MinSpins          int
	BaselineRTP       float64
	RtpHighDrift      float64
	RtpLowDrift       float64
	VolHighRatio      float64
	VolLowRatio       float64
	RuleBreakingScore float64
	SnapshotWindow    time.Duration
	Grader            Grader
}

// Stores groups the persistence the detector writes to.
type Stores struct {
	Outcomes  storage.OutcomeStore
	Snapshots storage.SnapshotStore
	Anomalies storage.AnomalyStore
}

// Detector analyses the most recent window after each ingest.
type Detector struct {
	opts   Options
	stores Stores
	logger zerolog.Logger
}

// New constructs a Detector. Zero options fall back to production defaults.
func New(opts Options, stores Stores, logger zerolog.Logger) *Detector {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 200
	}
	if opts.MinSpins <= 0 {
		opts.MinSpins = 1
	}
	if opts.BaselineRTP <= 0 {
		opts.BaselineRTP = 0.96
	}
	if opts.RtpHighDrift <= 0 {
		opts.RtpHighDrift = 0.10
	}
	if opts.RtpLowDrift <= 0 {
		opts.RtpLowDrift = 0.05
	}
	if opts.VolHighRatio <= 0 {
		opts.VolHighRatio = 3
	}
	if opts.VolLowRatio <= 0 {
		opts.VolLowRatio = 1.5
	}
	if opts.RuleBreakingScore <= 0 {
		opts.RuleBreakingScore = 70
	}
	if opts.SnapshotWindow <= 0 {
		opts.SnapshotWindow = time.Hour
	}
	if opts.Grader == nil {
		opts.Grader = NewDefaultGrader(DefaultGraderOptions())
	}
	return &Detector{opts: opts, stores: stores, logger: logger.With().Str("component", "detector").Logger()}
}

// Analysis is the result of one window evaluation.
type Analysis struct {
	CasinoID  string                   `json:"casinoId"`
	Metrics   Metrics                  `json:"metrics"`
	Drift     float64                  `json:"drift"`
	Base      float64                  `json:"base"`
	RtpAdj    float64                  `json:"rtpAdjustment"`
	VolAdj    float64                  `json:"volAdjustment"`
	Composite float64                  `json:"composite"`
	RiskScore float64                  `json:"riskScore"`
	Label     Label                    `json:"label"`
	Findings  []storage.AnomalyFinding `json:"findings"`
	Snapshot  *storage.MetricSnapshot  `json:"snapshot,omitempty"`
}

// Analyze evaluates a window ordered oldest first. It never fails; windows
// that are empty, too small, or carry no stake produce a neutral analysis.
func (d *Detector) Analyze(casinoID string, window []storage.OutcomeRecord) Analysis {
	a := Analysis{CasinoID: casinoID, Label: LabelNone, Metrics: ComputeMetrics(window)}
	if len(window) == 0 {
		return a
	}

	// findings are keyed by the newest spin so re-analysing the same window
	// is idempotent while new evidence in the same bucket is still stored
	last := window[len(window)-1].Timestamp.UTC()
	bucket := last.Truncate(d.opts.SnapshotWindow)
	a.Snapshot = &storage.MetricSnapshot{
		CasinoID:    casinoID,
		WindowStart: bucket,
		WindowEnd:   bucket.Add(d.opts.SnapshotWindow),
		SpinCount:   a.Metrics.SpinCount,
		TotalBet:    a.Metrics.TotalBet,
		TotalWin:    a.Metrics.TotalWin,
		RTP:         a.Metrics.RTP,
		MeanNetWin:  a.Metrics.MeanNetWin,
		Volatility:  a.Metrics.Volatility,
	}

	if a.Metrics.SpinCount < d.opts.MinSpins || a.Metrics.TotalBet <= 0 {
		return a
	}

	a.Drift = math.Abs(a.Metrics.RTP-d.opts.BaselineRTP) / d.opts.BaselineRTP
	switch {
	case a.Drift > d.opts.RtpHighDrift:
		a.RtpAdj = 0.15
	case a.Drift > d.opts.RtpLowDrift:
		a.RtpAdj = 0.05
	}
	switch {
	case a.Metrics.VolRatio > d.opts.VolHighRatio:
		a.VolAdj = 0.15
	case a.Metrics.VolRatio > d.opts.VolLowRatio:
		a.VolAdj = 0.05
	}

	grade := d.opts.Grader.Grade(window)
	a.Base = clamp01(grade.Score)
	a.Composite = math.Min(1, a.Base+a.RtpAdj+a.VolAdj)
	a.RiskScore = math.Round(a.Composite * 100)
	a.Label = LabelFor(a.Composite)

	sampleFactor := math.Min(1, float64(a.Metrics.SpinCount)/float64(d.opts.WindowSize))

	if a.Drift > d.opts.RtpLowDrift {
		sev := storage.SeverityWarning
		if a.Drift > d.opts.RtpHighDrift {
			sev = storage.SeverityCritical
		}
		a.Findings = append(a.Findings, d.finding(casinoID, storage.KindRtpOutlier, last, sev,
			clamp01(a.Drift/(2*d.opts.RtpHighDrift))*sampleFactor,
			fmt.Sprintf("RTP %.4f deviates %.1f%% from baseline %.2f", a.Metrics.RTP, a.Drift*100, d.opts.BaselineRTP),
			map[string]any{"rtp": a.Metrics.RTP, "baseline": d.opts.BaselineRTP, "drift": a.Drift, "spins": a.Metrics.SpinCount},
		))
	}
	if grade.Clustering.Severity.Qualifies() {
		a.Findings = append(a.Findings, d.finding(casinoID, storage.KindWinClustering, last, grade.Clustering.Severity,
			grade.Clustering.Confidence, grade.Clustering.Reason, grade.Clustering.Metadata))
	}
	if grade.Skew.Severity.Qualifies() {
		a.Findings = append(a.Findings, d.finding(casinoID, storage.KindDistributionDrift, last, grade.Skew.Severity,
			grade.Skew.Confidence, grade.Skew.Reason, grade.Skew.Metadata))
	}
	if a.RiskScore >= d.opts.RuleBreakingScore {
		a.Findings = append(a.Findings, d.finding(casinoID, storage.KindRuleBreaking, last, storage.SeverityCritical,
			a.Composite,
			fmt.Sprintf("rule-breaking signal: risk score %.0f (%s)", a.RiskScore, a.Label),
			map[string]any{"base": a.Base, "rtpAdjustment": a.RtpAdj, "volAdjustment": a.VolAdj, "volRatio": a.Metrics.VolRatio},
		))
	}
	return a
}

func (d *Detector) finding(casinoID string, kind storage.FindingKind, ts time.Time, sev storage.Severity, confidence float64, reason string, meta map[string]any) storage.AnomalyFinding {
	raw, err := json.Marshal(meta)
	if err != nil {
		d.logger.Warn().Err(err).Str("kind", string(kind)).Msg("finding metadata not serializable")
		raw = []byte("{}")
	}
	return storage.AnomalyFinding{
		ID:         storage.FindingID(casinoID, kind, ts),
		CasinoID:   casinoID,
		Kind:       kind,
		Severity:   sev,
		Confidence: clamp01(confidence),
		Reason:     reason,
		Metadata:   raw,
		Timestamp:  ts,
	}
}

// Run loads the latest window, analyses it and persists the snapshot and
// findings. Findings are returned whether or not they were new.
func (d *Detector) Run(ctx context.Context, casinoID string) (Analysis, error) {
	if d.stores.Outcomes == nil {
		return Analysis{}, storage.ErrNotConfigured
	}
	recent, err := d.stores.Outcomes.RecentFor(ctx, casinoID, d.opts.WindowSize)
	if err != nil {
		return Analysis{}, fmt.Errorf("load window: %w", err)
	}
	window := make([]storage.OutcomeRecord, len(recent))
	for i, rec := range recent {
		window[len(recent)-1-i] = rec
	}

	a := d.Analyze(casinoID, window)

	if a.Snapshot != nil && d.stores.Snapshots != nil {
		if err := d.stores.Snapshots.UpsertSnapshot(ctx, *a.Snapshot); err != nil {
			return a, fmt.Errorf("upsert snapshot: %w", err)
		}
	}
	if d.stores.Anomalies != nil {
		for _, f := range a.Findings {
			created, err := d.stores.Anomalies.InsertAnomaly(ctx, f)
			if err != nil {
				return a, fmt.Errorf("insert finding %s: %w", f.ID, err)
			}
			if created {
				d.logger.Info().Str("casino_id", casinoID).Str("kind", string(f.Kind)).
					Str("severity", string(f.Severity)).Float64("confidence", f.Confidence).
					Msg(f.Reason)
			}
		}
	}

	d.logger.Debug().Str("casino_id", casinoID).Int("spins", a.Metrics.SpinCount).
		Float64("rtp", a.Metrics.RTP).Float64("composite", a.Composite).Str("label", string(a.Label)).
		Msg("window analysed")
	return a, nil
}

// Summarize recomputes a closed snapshot bucket from the full range.
func (d *Detector) Summarize(ctx context.Context, casinoID string, bucket time.Time) (storage.MetricSnapshot, error) {
	start := bucket.UTC().Truncate(d.opts.SnapshotWindow)
	end := start.Add(d.opts.SnapshotWindow)
	recs, err := d.stores.Outcomes.RangeFor(ctx, casinoID, start, end)
	if err != nil {
		return storage.MetricSnapshot{}, fmt.Errorf("load bucket: %w", err)
	}
	m := ComputeMetrics(recs)
	snap := storage.MetricSnapshot{
		CasinoID:    casinoID,
		WindowStart: start,
		WindowEnd:   end,
		SpinCount:   m.SpinCount,
		TotalBet:    m.TotalBet,
		TotalWin:    m.TotalWin,
		RTP:         m.RTP,
		MeanNetWin:  m.MeanNetWin,
		Volatility:  m.Volatility,
	}
	if m.SpinCount == 0 || d.stores.Snapshots == nil {
		return snap, nil
	}
	if err := d.stores.Snapshots.UpsertSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("upsert snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotWindow returns the bucket width.
func (d *Detector) SnapshotWindow() time.Duration { return d.opts.SnapshotWindow }
