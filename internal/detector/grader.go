package detector

import (
	"fmt"
	"math"
	"sort"

	"fairwatch/internal/storage"
)

// Grader produces the base anomaly score for a window, oldest record first.
type Grader interface {
	Grade(window []storage.OutcomeRecord) Grade
}

// GraderFunc adapts a function to Grader.
type GraderFunc func(window []storage.OutcomeRecord) Grade

// Grade implements Grader.
func (f GraderFunc) Grade(window []storage.OutcomeRecord) Grade { return f(window) }

// Grade is the base score plus the dimensions that produced it.
type Grade struct {
	Score      float64
	Clustering Dimension
	Skew       Dimension
	LossStreak Dimension
}

// Dimension scores one anomaly dimension.
type Dimension struct {
	Score      float64
	Confidence float64
	Severity   storage.Severity
	Reason     string
	Metadata   map[string]any
}

// GraderOptions tune the default grader.
type GraderOptions struct {
	ClusterWindow   int
	WinMultiple     float64
	DensityTrigger  float64
	MinSkewSample   int
	ClusterWeight   float64
	SkewWeight      float64
	StreakWeight    float64
	SkewWarnScore   float64
	SkewCritScore   float64
	ClusterWarnRate float64
	ClusterCritRate float64
}

// DefaultGraderOptions mirrors the production thresholds.
func DefaultGraderOptions() GraderOptions {
	return GraderOptions{
		ClusterWindow:   20,
		WinMultiple:     1.5,
		DensityTrigger:  0.7,
		MinSkewSample:   50,
		ClusterWeight:   0.4,
		SkewWeight:      0.4,
		StreakWeight:    0.2,
		SkewWarnScore:   0.25,
		SkewCritScore:   0.5,
		ClusterWarnRate: 0.75,
		ClusterCritRate: 0.85,
	}
}

// DefaultGrader scores win clustering and payout distribution drift.
type DefaultGrader struct {
	opts GraderOptions
}

// NewDefaultGrader constructs the default grader.
func NewDefaultGrader(opts GraderOptions) *DefaultGrader {
	def := DefaultGraderOptions()
	if opts.ClusterWindow <= 0 {
		opts.ClusterWindow = def.ClusterWindow
	}
	if opts.WinMultiple <= 0 {
		opts.WinMultiple = def.WinMultiple
	}
	if opts.DensityTrigger <= 0 || opts.DensityTrigger >= 1 {
		opts.DensityTrigger = def.DensityTrigger
	}
	if opts.MinSkewSample <= 0 {
		opts.MinSkewSample = def.MinSkewSample
	}
	if opts.ClusterWeight <= 0 && opts.SkewWeight <= 0 && opts.StreakWeight <= 0 {
		opts.ClusterWeight, opts.SkewWeight, opts.StreakWeight = def.ClusterWeight, def.SkewWeight, def.StreakWeight
	}
	if opts.SkewWarnScore <= 0 {
		opts.SkewWarnScore = def.SkewWarnScore
	}
	if opts.SkewCritScore <= 0 {
		opts.SkewCritScore = def.SkewCritScore
	}
	if opts.ClusterWarnRate <= 0 {
		opts.ClusterWarnRate = def.ClusterWarnRate
	}
	if opts.ClusterCritRate <= 0 {
		opts.ClusterCritRate = def.ClusterCritRate
	}
	return &DefaultGrader{opts: opts}
}

// Grade implements Grader.
func (g *DefaultGrader) Grade(window []storage.OutcomeRecord) Grade {
	c := g.clustering(window)
	s := g.skew(window)
	l := g.lossStreak(window)
	score := g.opts.ClusterWeight*c.Score + g.opts.SkewWeight*s.Score + g.opts.StreakWeight*l.Score
	return Grade{Score: clamp01(score), Clustering: c, Skew: s, LossStreak: l}
}

func (g *DefaultGrader) isWin(rec storage.OutcomeRecord) bool {
	return rec.BetAmount > 0 && rec.WinAmount > rec.BetAmount*g.opts.WinMultiple
}

// clustering measures win density in the most recent cluster window against
// the rest of the window.
func (g *DefaultGrader) clustering(window []storage.OutcomeRecord) Dimension {
	dim := Dimension{Severity: storage.SeverityNone}
	size := g.opts.ClusterWindow
	if len(window) < size {
		return dim
	}

	recent := window[len(window)-size:]
	wins := 0
	for _, rec := range recent {
		if g.isWin(rec) {
			wins++
		}
	}
	density := float64(wins) / float64(size)

	priorWins := 0
	prior := window[:len(window)-size]
	for _, rec := range prior {
		if g.isWin(rec) {
			priorWins++
		}
	}
	priorRate := 0.0
	if len(prior) > 0 {
		priorRate = float64(priorWins) / float64(len(prior))
	}

	dim.Metadata = map[string]any{
		"density":      density,
		"wins":         wins,
		"clusterSize":  size,
		"priorWinRate": priorRate,
	}
	if density <= g.opts.DensityTrigger {
		return dim
	}

	dim.Score = clamp01((density - g.opts.DensityTrigger) / (1 - g.opts.DensityTrigger))
	dim.Confidence = clamp01(density - priorRate)
	switch {
	case density > g.opts.ClusterCritRate:
		dim.Severity = storage.SeverityCritical
	case density > g.opts.ClusterWarnRate:
		dim.Severity = storage.SeverityWarning
	}
	dim.Reason = fmt.Sprintf("%d of last %d spins paid over %.1fx (prior rate %.2f)", wins, size, g.opts.WinMultiple, priorRate)
	return dim
}

// skew compares the outcome distribution of the older and newer halves of the
// window with a chi-square homogeneity statistic. Outcome tags are used when
// present, payout multiplier buckets otherwise.
func (g *DefaultGrader) skew(window []storage.OutcomeRecord) Dimension {
	dim := Dimension{Severity: storage.SeverityNone}
	if len(window) < g.opts.MinSkewSample {
		return dim
	}

	half := len(window) / 2
	older := frequencies(window[:half])
	newer := frequencies(window[half:])

	categories := make(map[string]struct{}, len(older)+len(newer))
	for k := range older {
		categories[k] = struct{}{}
	}
	for k := range newer {
		categories[k] = struct{}{}
	}
	df := len(categories) - 1
	if df < 1 {
		return dim
	}

	nA := float64(half)
	nB := float64(len(window) - half)
	total := nA + nB
	var chi float64
	for k := range categories {
		a := float64(older[k])
		b := float64(newer[k])
		row := a + b
		eA := row * nA / total
		eB := row * nB / total
		if eA > 0 {
			chi += (a - eA) * (a - eA) / eA
		}
		if eB > 0 {
			chi += (b - eB) * (b - eB) / eB
		}
	}

	dim.Score = clamp01(chi / (float64(df) * 10))
	dim.Confidence = clamp01(dim.Score * math.Min(1, total/float64(2*g.opts.MinSkewSample)))
	dim.Metadata = map[string]any{
		"chiSquare":  chi,
		"df":         df,
		"categories": sortedKeys(categories),
	}
	switch {
	case dim.Score > g.opts.SkewCritScore:
		dim.Severity = storage.SeverityCritical
	case dim.Score > g.opts.SkewWarnScore:
		dim.Severity = storage.SeverityWarning
	}
	if dim.Severity != storage.SeverityNone {
		dim.Reason = fmt.Sprintf("outcome distribution shifted (chi2=%.1f, df=%d)", chi, df)
	}
	return dim
}

// lossStreak scores the longest losing run as a z-score against the
// geometric run length implied by the window's loss rate. It only feeds the
// base score.
func (g *DefaultGrader) lossStreak(window []storage.OutcomeRecord) Dimension {
	dim := Dimension{Severity: storage.SeverityNone}
	if len(window) < g.opts.MinSkewSample {
		return dim
	}

	losses, run, longest := 0, 0, 0
	for _, rec := range window {
		if rec.WinAmount < rec.BetAmount {
			losses++
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	p := float64(losses) / float64(len(window))
	if p == 0 || p == 1 {
		return dim
	}

	mean := 1 / (1 - p)
	sd := math.Sqrt(p) / (1 - p)
	z := (float64(longest) - mean) / sd
	dim.Score = clamp01((z - 4) / 6)
	dim.Confidence = dim.Score
	dim.Metadata = map[string]any{"longest": longest, "lossRate": p, "z": z}
	return dim
}

func frequencies(window []storage.OutcomeRecord) map[string]int {
	freq := make(map[string]int)
	for _, rec := range window {
		freq[category(rec)]++
	}
	return freq
}

func category(rec storage.OutcomeRecord) string {
	if rec.OutcomeTag != "" {
		return rec.OutcomeTag
	}
	if rec.BetAmount <= 0 {
		return "x:none"
	}
	m := rec.WinAmount / rec.BetAmount
	switch {
	case m == 0:
		return "x:0"
	case m <= 1:
		return "x:<=1"
	case m <= 2:
		return "x:<=2"
	case m <= 5:
		return "x:<=5"
	case m <= 20:
		return "x:<=20"
	default:
		return "x:>20"
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
