// Package trust maintains event-sourced trust scores for casinos, users
// ("degens") and link domains.
package trust

import (
	"math"
	"sort"

	"fairwatch/internal/bus"
)

// Component categories.
const (
	CategoryFairness    = "fairness"
	CategoryPayouts     = "payouts"
	CategoryBonus       = "bonus"
	CategoryUserReports = "userReports"
	CategoryFreespin    = "freespin"
	CategoryCompliance  = "compliance"
	CategorySupport     = "support"

	CategoryBehavior       = "behavior"
	CategoryTilt           = "tiltIndicators"
	CategoryScamFlags      = "scamFlags"
	CategoryAccountability = "accountability"
	CategoryCommunity      = "communityReports"

	CategoryRisk     = "risk"
	CategoryOverride = "override"

	// CategoryRecovery marks time-based recovery events. Its weight is always 1.
	CategoryRecovery = "recovery"
)

// Band maps a minimum score to a label.
type Band struct {
	Min   float64
	Label string
}

// Policy parameterizes an Engine.
type Policy struct {
	Name         string
	Start        float64
	Weights      map[string]float64
	Bands        []Band
	UpdatedEvent string
	Source       string
}

// Weight returns the multiplier for category and whether it is known.
func (p Policy) Weight(category string) (float64, bool) {
	if category == CategoryRecovery {
		return 1, true
	}
	w, ok := p.Weights[category]
	return w, ok
}

// Band labels score. Bands are checked from the highest minimum down.
func (p Policy) Band(score float64) string {
	bands := append([]Band(nil), p.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Min > bands[j].Min })
	for _, b := range bands {
		if score >= b.Min {
			return b.Label
		}
	}
	if len(bands) == 0 {
		return ""
	}
	return bands[len(bands)-1].Label
}

// Categories lists the policy's component categories in sorted order.
func (p Policy) Categories() []string {
	out := make([]string, 0, len(p.Weights))
	for k := range p.Weights {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// casinoShares are the component importances; they sum to 1.
var casinoShares = map[string]float64{
	CategoryFairness:    0.30,
	CategoryPayouts:     0.20,
	CategoryBonus:       0.15,
	CategoryUserReports: 0.15,
	CategoryFreespin:    0.10,
	CategoryCompliance:  0.05,
	CategorySupport:     0.05,
}

// CasinoPolicy weights each component by share × component count, so a
// component of average importance applies a signal's magnitude unchanged.
func CasinoPolicy(start float64) Policy {
	weights := make(map[string]float64, len(casinoShares)+1)
	n := float64(len(casinoShares))
	for k, share := range casinoShares {
		weights[k] = math.Round(share*n*1000) / 1000
	}
	weights[CategoryOverride] = 1
	return Policy{
		Name:    "casino",
		Start:   orDefault(start, 75),
		Weights: weights,
		Bands: []Band{
			{Min: 80, Label: "very-high"},
			{Min: 60, Label: "high"},
			{Min: 40, Label: "neutral"},
			{Min: 20, Label: "low"},
			{Min: 0, Label: "high-risk"},
		},
		UpdatedEvent: bus.TrustCasinoUpdated,
		Source:       "trust-engine-casino",
	}
}

// DegenPolicy scores users.
func DegenPolicy(start float64) Policy {
	return Policy{
		Name:  "degen",
		Start: orDefault(start, 70),
		Weights: map[string]float64{
			CategoryBehavior:       1,
			CategoryTilt:           1,
			CategoryScamFlags:      1,
			CategoryAccountability: 1,
			CategoryCommunity:      1,
			CategoryOverride:       1,
		},
		Bands:        tierBands(),
		UpdatedEvent: bus.TrustDegenUpdated,
		Source:       "trust-engine-degen",
	}
}

// DomainPolicy scores link domains from risk classifications.
func DomainPolicy(start float64) Policy {
	return Policy{
		Name:  "domain",
		Start: orDefault(start, 50),
		Weights: map[string]float64{
			CategoryRisk:     1,
			CategoryOverride: 1,
		},
		Bands:        tierBands(),
		UpdatedEvent: bus.TrustDomainUpdated,
		Source:       "suslink",
	}
}

func tierBands() []Band {
	return []Band{
		{Min: 85, Label: "PLATINUM"},
		{Min: 70, Label: "GREEN"},
		{Min: 40, Label: "YELLOW"},
		{Min: 0, Label: "RED"},
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 || v > 100 || math.IsNaN(v) {
		return def
	}
	return v
}

// DefaultSeverityScale maps severity 1..5 to a penalty magnitude.
var DefaultSeverityScale = []float64{2, 4, 6, 8, 12}

// SeverityFor grades a fractional drop into 1..5.
func SeverityFor(fraction float64) int {
	if math.IsNaN(fraction) || math.IsInf(fraction, 0) || fraction <= 0 {
		return 1
	}
	sev := int(math.Ceil(fraction * 10))
	if sev < 1 {
		return 1
	}
	if sev > 5 {
		return 5
	}
	return sev
}

// PenaltyFor returns the negative magnitude for severity under scale.
func PenaltyFor(severity int, scale []float64) float64 {
	if len(scale) == 0 {
		scale = DefaultSeverityScale
	}
	if severity < 1 || severity > len(scale) {
		return 0
	}
	return -scale[severity-1]
}
