// Package alerting turns anomaly findings into throttled, escalated alerts.
package alerting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/storage"
)

// Alert is a transient, throttled view of a finding.
type Alert struct {
	ID         string              `json:"id"`
	CasinoID   string              `json:"casinoId"`
	Kind       storage.FindingKind `json:"kind"`
	Severity   storage.Severity    `json:"severity"`
	Confidence float64             `json:"confidence"`
	Reason     string              `json:"reason"`
	FindingID  string              `json:"findingId"`
	Timestamp  time.Time           `json:"timestamp"`
	Escalate   bool                `json:"escalate"`
}

// Options tune throttling and escalation.
type Options struct {
	Cooldown          time.Duration
	DedupWindow       time.Duration
	HistoryRetention  time.Duration
	MultiWindow       time.Duration
	MultiCount        int
	CriticalThreshold float64
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = time.Minute
	}
	if o.HistoryRetention <= 0 {
		o.HistoryRetention = time.Hour
	}
	if o.MultiWindow <= 0 {
		o.MultiWindow = 10 * time.Minute
	}
	if o.MultiCount <= 0 {
		o.MultiCount = 3
	}
	if o.CriticalThreshold <= 0 {
		o.CriticalThreshold = 0.7
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type throttleKey struct {
	casino string
	kind   storage.FindingKind
}

type dedupKey struct {
	casino   string
	kind     storage.FindingKind
	severity storage.Severity
}

// Manager throttles findings per (casino, kind) and decides escalation.
type Manager struct {
	opts Options

	mu        sync.Mutex
	lastFired map[throttleKey]time.Time
	lastSeen  map[dedupKey]time.Time
	history   []Alert

	logger zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:      opts,
		lastFired: make(map[throttleKey]time.Time),
		lastSeen:  make(map[dedupKey]time.Time),
		logger:    logger.With().Str("component", "alert_manager").Logger(),
	}
}

// Process turns a finding into an alert. It returns false when the finding
// is suppressed by cooldown or dedup, or carries no severity.
func (m *Manager) Process(f storage.AnomalyFinding) (Alert, bool) {
	if !f.Severity.Qualifies() {
		return Alert{}, false
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)

	tk := throttleKey{casino: f.CasinoID, kind: f.Kind}
	if fired, ok := m.lastFired[tk]; ok && now.Sub(fired) < m.opts.Cooldown {
		m.logger.Debug().Str("casino_id", f.CasinoID).Str("kind", string(f.Kind)).
			Dur("remaining", m.opts.Cooldown-now.Sub(fired)).Msg("alert in cooldown")
		return Alert{}, false
	}

	// lastSeen only tracks accepted alerts
	dk := dedupKey{casino: f.CasinoID, kind: f.Kind, severity: f.Severity}
	if seen, ok := m.lastSeen[dk]; ok && now.Sub(seen) < m.opts.DedupWindow {
		m.logger.Debug().Str("casino_id", f.CasinoID).Str("kind", string(f.Kind)).Msg("duplicate finding suppressed")
		return Alert{}, false
	}
	m.lastFired[tk] = now
	m.lastSeen[dk] = now

	alert := Alert{
		ID:         fmt.Sprintf("%s-%s-%d", f.CasinoID, f.Kind, now.UnixMilli()),
		CasinoID:   f.CasinoID,
		Kind:       f.Kind,
		Severity:   f.Severity,
		Confidence: f.Confidence,
		Reason:     f.Reason,
		FindingID:  f.ID,
		Timestamp:  now,
	}
	alert.Escalate = m.shouldEscalateLocked(alert, now)
	m.history = append(m.history, alert)

	m.logger.Info().Str("casino_id", alert.CasinoID).Str("kind", string(alert.Kind)).
		Str("severity", string(alert.Severity)).Bool("escalate", alert.Escalate).
		Msg("alert raised")
	return alert, true
}

// ShouldEscalate reports whether an alert warrants escalation: critical
// severity, high confidence, or a burst of alerts for the same casino.
func (m *Manager) ShouldEscalate(alert Alert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldEscalateLocked(alert, m.opts.Now())
}

func (m *Manager) shouldEscalateLocked(alert Alert, now time.Time) bool {
	if alert.Severity == storage.SeverityCritical {
		return true
	}
	if alert.Confidence >= m.opts.CriticalThreshold {
		return true
	}
	// the candidate itself counts toward the burst
	count := 1
	for _, h := range m.history {
		if h.ID == alert.ID || h.CasinoID != alert.CasinoID || !h.Severity.Qualifies() {
			continue
		}
		if now.Sub(h.Timestamp) <= m.opts.MultiWindow {
			count++
		}
	}
	return count >= m.opts.MultiCount
}

// ResetThrottle clears cooldown and dedup state for (casino, kind).
func (m *Manager) ResetThrottle(casinoID string, kind storage.FindingKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastFired, throttleKey{casino: casinoID, kind: kind})
	for k := range m.lastSeen {
		if k.casino == casinoID && k.kind == kind {
			delete(m.lastSeen, k)
		}
	}
}

// Recent lists retained alerts, newest first. An empty casinoID lists all.
func (m *Manager) Recent(casinoID string, limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.opts.Now())

	out := make([]Alert, 0, len(m.history))
	for _, a := range m.history {
		if casinoID == "" || a.CasinoID == casinoID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.opts.HistoryRetention)
	kept := m.history[:0]
	for _, a := range m.history {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.history = kept

	for k, ts := range m.lastSeen {
		if now.Sub(ts) >= m.opts.DedupWindow {
			delete(m.lastSeen, k)
		}
	}
}
