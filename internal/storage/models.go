package storage

import (
	"encoding/json"
	"time"
)

// OutcomeRecord is one normalized game round.
type OutcomeRecord struct {
	ID         string    `json:"id"`
	CasinoID   string    `json:"casinoId"`
	Timestamp  time.Time `json:"timestamp"`
	BetAmount  float64   `json:"betAmount"`
	WinAmount  float64   `json:"winAmount"`
	NetWin     float64   `json:"netWin"`
	OutcomeTag string    `json:"outcomeTag,omitempty"`
}

// SeedSubmission records a client-seed rotation.
type SeedSubmission struct {
	ID          int64     `json:"id"`
	CasinoID    string    `json:"casinoId"`
	Seed        string    `json:"seed"`
	SubmittedBy string    `json:"submittedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// MetricSnapshot summarises one casino window. Unique on (CasinoID, WindowStart).
type MetricSnapshot struct {
	CasinoID    string    `json:"casinoId"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	SpinCount   int       `json:"spinCount"`
	TotalBet    float64   `json:"totalBet"`
	TotalWin    float64   `json:"totalWin"`
	RTP         float64   `json:"rtp"`
	MeanNetWin  float64   `json:"meanNetWin"`
	Volatility  float64   `json:"volatility"`
}

// FindingKind names an anomaly dimension.
type FindingKind string

const (
	KindRtpOutlier        FindingKind = "RtpOutlier"
	KindWinClustering     FindingKind = "WinClustering"
	KindDistributionDrift FindingKind = "DistributionDrift"
	KindRuleBreaking      FindingKind = "RuleBreaking"
)

// Severity grades a finding or alert.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Qualifies reports whether s grades an actual anomaly. Empty and unknown
// values count as none.
func (s Severity) Qualifies() bool { return s.Rank() > 0 }

// AnomalyFinding is an immutable detector output.
type AnomalyFinding struct {
	ID         string          `json:"id"`
	CasinoID   string          `json:"casinoId"`
	Kind       FindingKind     `json:"kind"`
	Severity   Severity        `json:"severity"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TrustDocument is a serialized trust record keyed by engine and subject.
type TrustDocument struct {
	Engine    string
	SubjectID string
	Score     float64
	Body      json.RawMessage
	UpdatedAt time.Time
}
