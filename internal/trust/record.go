package trust

import (
	"math"
	"time"
)

// Event is one immutable score change.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
	Severity  int       `json:"severity,omitempty"`
	Category  string    `json:"category"`
}

// Checkpoint is the folded state of history entries that were pruned.
type Checkpoint struct {
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	Through    time.Time          `json:"through"`
	Events     int                `json:"events"`
}

// Record is the state of one subject.
type Record struct {
	SubjectID           string             `json:"subjectId"`
	Score               float64            `json:"score"`
	Components          map[string]float64 `json:"components"`
	History             []Event            `json:"history"`
	Baseline            *Checkpoint        `json:"baseline,omitempty"`
	LastUpdated         time.Time          `json:"lastUpdated"`
	LastActivity        time.Time          `json:"lastActivity"`
	RecoveryScheduledAt *time.Time         `json:"recoveryScheduledAt,omitempty"`
}

func newRecord(subject string, p Policy, now time.Time) *Record {
	return &Record{
		SubjectID:    subject,
		Score:        p.Start,
		Components:   startComponents(p),
		LastUpdated:  now,
		LastActivity: now,
	}
}

func startComponents(p Policy) map[string]float64 {
	out := make(map[string]float64, len(p.Weights))
	for _, c := range p.Categories() {
		if c == CategoryOverride {
			continue
		}
		out[c] = p.Start
	}
	return out
}

func (r *Record) clone() *Record {
	c := *r
	c.Components = make(map[string]float64, len(r.Components))
	for k, v := range r.Components {
		c.Components[k] = v
	}
	c.History = append([]Event(nil), r.History...)
	if r.Baseline != nil {
		b := *r.Baseline
		b.Components = make(map[string]float64, len(r.Baseline.Components))
		for k, v := range r.Baseline.Components {
			b.Components[k] = v
		}
		c.Baseline = &b
	}
	if r.RecoveryScheduledAt != nil {
		at := *r.RecoveryScheduledAt
		c.RecoveryScheduledAt = &at
	}
	return &c
}

// Fold derives a score from history starting at the policy's start score.
// Events after now are ignored.
func Fold(history []Event, p Policy, now time.Time) float64 {
	return foldFrom(p.Start, history, now)
}

func foldFrom(start float64, history []Event, now time.Time) float64 {
	score := clampScore(start)
	for _, ev := range history {
		if !now.IsZero() && ev.Timestamp.After(now) {
			continue
		}
		score = clampScore(score + ev.Delta)
	}
	return score
}

// Rebuild re-derives the score and components of r from its baseline and
// history.
func (r *Record) Rebuild(p Policy, now time.Time) {
	start := p.Start
	components := startComponents(p)
	if r.Baseline != nil {
		start = r.Baseline.Score
		for k, v := range r.Baseline.Components {
			components[k] = v
		}
	}
	r.Score = foldFrom(start, r.History, now)
	for _, ev := range r.History {
		if !now.IsZero() && ev.Timestamp.After(now) {
			continue
		}
		applyComponent(components, p, ev)
	}
	r.Components = components
}

func applyComponent(components map[string]float64, p Policy, ev Event) {
	switch ev.Category {
	case CategoryRecovery, CategoryOverride:
		return
	}
	cur, ok := components[ev.Category]
	if !ok {
		cur = p.Start
	}
	components[ev.Category] = clampScore(cur + ev.Delta)
}

// prune folds the oldest events into the baseline checkpoint so that at
// most max events are retained.
func (r *Record) prune(p Policy, max int) {
	if max <= 0 || len(r.History) <= max {
		return
	}
	cut := len(r.History) - max
	old := r.History[:cut]

	base := Checkpoint{Score: p.Start, Components: startComponents(p)}
	if r.Baseline != nil {
		base = *r.Baseline
		comps := make(map[string]float64, len(base.Components))
		for k, v := range base.Components {
			comps[k] = v
		}
		base.Components = comps
	}
	base.Score = foldFrom(base.Score, old, time.Time{})
	for _, ev := range old {
		applyComponent(base.Components, p, ev)
	}
	base.Through = old[len(old)-1].Timestamp
	base.Events += len(old)

	r.Baseline = &base
	r.History = append([]Event(nil), r.History[cut:]...)
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
