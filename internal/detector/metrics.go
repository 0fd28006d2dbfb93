package detector

import (
	"math"

	"github.com/shopspring/decimal"

	"fairwatch/internal/storage"
)

// Metrics summarises an outcome window.
type Metrics struct {
	SpinCount  int     `json:"spinCount"`
	TotalBet   float64 `json:"totalBet"`
	TotalWin   float64 `json:"totalWin"`
	RTP        float64 `json:"rtp"`
	MeanBet    float64 `json:"meanBet"`
	MeanNetWin float64 `json:"meanNetWin"`
	Volatility float64 `json:"volatility"`
	VolRatio   float64 `json:"volRatio"`
}

// ComputeMetrics is total: an empty window or zero stake yields zeros.
func ComputeMetrics(window []storage.OutcomeRecord) Metrics {
	m := Metrics{SpinCount: len(window)}
	if len(window) == 0 {
		return m
	}

	totalBet := decimal.Zero
	totalWin := decimal.Zero
	var sumNet float64
	for _, rec := range window {
		totalBet = totalBet.Add(decimal.NewFromFloat(rec.BetAmount))
		totalWin = totalWin.Add(decimal.NewFromFloat(rec.WinAmount))
		sumNet += rec.NetWin
	}
	m.TotalBet = totalBet.InexactFloat64()
	m.TotalWin = totalWin.InexactFloat64()
	if totalBet.IsPositive() {
		m.RTP = totalWin.Div(totalBet).InexactFloat64()
	}

	n := float64(len(window))
	m.MeanBet = m.TotalBet / n
	m.MeanNetWin = sumNet / n

	var sq float64
	for _, rec := range window {
		d := rec.NetWin - m.MeanNetWin
		sq += d * d
	}
	m.Volatility = math.Sqrt(sq / n)
	if m.MeanBet > 0 {
		m.VolRatio = m.Volatility / m.MeanBet
	}
	return m
}
