package trust

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/bus"
	"fairwatch/internal/config"
	"fairwatch/internal/faults"
	"fairwatch/internal/storage"
)

// Scorer owns the casino, degen and domain engines and routes bus events
// into them.
type Scorer struct {
	Casino *Engine
	Degen  *Engine
	Domain *Engine

	severityScale    []float64
	tiltRecoveryWait time.Duration
	onOverride       func(ctx context.Context)

	logger zerolog.Logger
}

// ScorerOptions configure NewScorer.
type ScorerOptions struct {
	SeverityScale []float64
	Now           func() time.Time
	// OnOverride runs after an admin domain override, e.g. to force a rollup snapshot.
	OnOverride func(ctx context.Context)
}

// NewScorer builds the three engines from configuration.
func NewScorer(cfg config.TrustConfig, opts ScorerOptions, store storage.TrustStore, pub bus.Publisher, logger zerolog.Logger) *Scorer {
	eo := Options{
		MaxHistory:      cfg.MaxHistory,
		RecoveryIdle:    cfg.RecoveryIdle,
		RecoveryMaxRate: cfg.RecoveryMaxRate,
		Now:             opts.Now,
	}
	wait := cfg.TiltRecoveryWait
	if wait <= 0 {
		wait = 4 * time.Hour
	}
	scale := opts.SeverityScale
	if len(scale) == 0 {
		scale = DefaultSeverityScale
	}
	return &Scorer{
		Casino:           NewEngine(CasinoPolicy(cfg.CasinoStart), eo, store, pub, logger),
		Degen:            NewEngine(DegenPolicy(cfg.DegenStart), eo, store, pub, logger),
		Domain:           NewEngine(DomainPolicy(cfg.DomainStart), eo, store, pub, logger),
		severityScale:    scale,
		tiltRecoveryWait: wait,
		onOverride:       opts.OnOverride,
		logger:           logger.With().Str("component", "trust_scorer").Logger(),
	}
}

// Engines lists every engine.
func (s *Scorer) Engines() []*Engine {
	return []*Engine{s.Casino, s.Degen, s.Domain}
}

// Engine looks up an engine by policy name.
func (s *Scorer) Engine(name string) (*Engine, bool) {
	for _, e := range s.Engines() {
		if e.policy.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Load restores every engine from the store.
func (s *Scorer) Load(ctx context.Context) error {
	for _, e := range s.Engines() {
		if _, err := e.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Recover runs a recovery pass on every engine.
func (s *Scorer) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, e := range s.Engines() {
		n, err := e.Recover(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Subscribe registers the event handlers and returns a func removing them.
func (s *Scorer) Subscribe(sub bus.Subscriber) func() {
	unsubs := []func(){
		sub.Subscribe(bus.LinkFlagged, s.onLinkFlagged, "trust-engine-casino"),
		sub.Subscribe(bus.BonusNerfDetected, s.onBonusNerf, "trust-engine-casino"),
		sub.Subscribe(bus.FairnessAlert, s.onFairnessAlert, "trust-engine-casino"),
		sub.Subscribe(bus.TipCompleted, s.onTipCompleted, "trust-engine-degen"),
		sub.Subscribe(bus.TiltDetected, s.onTiltDetected, "trust-engine-degen"),
		sub.Subscribe(bus.CooldownViolated, s.onCooldownViolated, "trust-engine-degen"),
		sub.Subscribe(bus.ScamReported, s.onScamReported, "trust-engine-degen"),
		sub.Subscribe(bus.AccountabilitySuccess, s.onAccountabilitySuccess, "trust-engine-degen"),
		sub.Subscribe(bus.LinkRiskClassified, s.onLinkRiskClassified, "trust-engine-domain"),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// apply drops validation failures with a log line so malformed events
// never fail the publisher.
func (s *Scorer) apply(ctx context.Context, e *Engine, ch Change) error {
	_, err := e.Apply(ctx, ch)
	if err != nil && faults.IsValidation(err) {
		s.logger.Warn().Err(err).Str("engine", e.policy.Name).Str("subject", ch.SubjectID).Msg("trust event dropped")
		return nil
	}
	return err
}

func (s *Scorer) decode(ev bus.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.Name).Msg("malformed trust event dropped")
		return false
	}
	return true
}

type linkFlagged struct {
	URL       string `json:"url"`
	RiskLevel string `json:"riskLevel"`
}

func (s *Scorer) onLinkFlagged(ctx context.Context, ev bus.Event) error {
	var p linkFlagged
	if !s.decode(ev, &p) {
		return nil
	}
	host := HostOf(p.URL)
	if host == "" {
		s.logger.Warn().Str("url", p.URL).Msg("flagged link without host dropped")
		return nil
	}
	mag, sev := -5.0, 2
	if strings.EqualFold(p.RiskLevel, "critical") {
		mag, sev = -10, 4
	}
	return s.apply(ctx, s.Casino, Change{
		SubjectID: strings.TrimPrefix(host, "www."),
		Category:  CategoryUserReports,
		Magnitude: mag,
		Severity:  sev,
		Reason:    fmt.Sprintf("Link flagged (%s)", p.RiskLevel),
		ActorID:   ev.ActorID,
	})
}

type bonusNerf struct {
	CasinoName  string   `json:"casinoName"`
	PercentDrop *float64 `json:"percentDrop"`
}

func (s *Scorer) onBonusNerf(ctx context.Context, ev bus.Event) error {
	var p bonusNerf
	if !s.decode(ev, &p) || p.CasinoName == "" || p.PercentDrop == nil {
		return nil
	}
	sev := SeverityFor(*p.PercentDrop)
	return s.apply(ctx, s.Casino, Change{
		SubjectID: p.CasinoName,
		Category:  CategoryBonus,
		Magnitude: PenaltyFor(sev, s.severityScale),
		Severity:  sev,
		Reason:    fmt.Sprintf("Bonus nerf impact (-%.1f%%)", *p.PercentDrop*100),
		ActorID:   ev.ActorID,
	})
}

type fairnessAlert struct {
	ID       string              `json:"id"`
	CasinoID string              `json:"casinoId"`
	Kind     storage.FindingKind `json:"kind"`
	Severity storage.Severity    `json:"severity"`
	Reason   string              `json:"reason"`
}

func (s *Scorer) onFairnessAlert(ctx context.Context, ev bus.Event) error {
	var p fairnessAlert
	if !s.decode(ev, &p) || p.CasinoID == "" {
		return nil
	}
	var mag float64
	var sev int
	switch p.Severity {
	case storage.SeverityCritical:
		mag, sev = -10, 4
	case storage.SeverityWarning:
		mag, sev = -5, 2
	default:
		return nil
	}
	category := CategoryFairness
	if p.Kind == storage.KindRtpOutlier {
		category = CategoryPayouts
	}
	return s.apply(ctx, s.Casino, Change{
		SubjectID: p.CasinoID,
		Category:  category,
		Magnitude: mag,
		Severity:  sev,
		Reason:    fmt.Sprintf("Fairness alert %s (%s)", p.Kind, p.Severity),
		ActorID:   ev.ActorID,
	})
}

type tipCompleted struct {
	FromUserID string  `json:"fromUserId"`
	ToUserID   string  `json:"toUserId"`
	Amount     float64 `json:"amount"`
}

func (s *Scorer) onTipCompleted(ctx context.Context, ev bus.Event) error {
	var p tipCompleted
	if !s.decode(ev, &p) {
		return nil
	}
	if p.FromUserID != "" {
		if err := s.apply(ctx, s.Degen, Change{SubjectID: p.FromUserID, Category: CategoryBehavior, Magnitude: 1, Reason: "Tip sent"}); err != nil {
			return err
		}
	}
	if p.ToUserID != "" {
		if err := s.apply(ctx, s.Degen, Change{SubjectID: p.ToUserID, Category: CategoryBehavior, Magnitude: 2, Reason: "Tip received"}); err != nil {
			return err
		}
	}
	if p.FromUserID != "" && p.Amount > 100 {
		return s.apply(ctx, s.Degen, Change{SubjectID: p.FromUserID, Category: CategoryBehavior, Magnitude: 3, Reason: "Generosity bonus"})
	}
	return nil
}

type tiltDetected struct {
	UserID    string   `json:"userId"`
	TiltCount int      `json:"tiltCount"`
	Signals   []string `json:"signals"`
}

func (s *Scorer) onTiltDetected(ctx context.Context, ev bus.Event) error {
	var p tiltDetected
	if !s.decode(ev, &p) {
		return nil
	}
	count := p.TiltCount
	if count <= 0 {
		count = max(1, len(p.Signals))
	}
	return s.apply(ctx, s.Degen, Change{
		SubjectID:     p.UserID,
		Category:      CategoryTilt,
		Magnitude:     -5 * float64(count),
		Severity:      min(5, count),
		Reason:        fmt.Sprintf("Tilt detected (%d indicators)", count),
		RecoveryAfter: s.tiltRecoveryWait,
		ActorID:       ev.ActorID,
	})
}

type cooldownViolated struct {
	UserID   string `json:"userId"`
	Severity int    `json:"severity"`
}

func (s *Scorer) onCooldownViolated(ctx context.Context, ev bus.Event) error {
	var p cooldownViolated
	if !s.decode(ev, &p) {
		return nil
	}
	sev := p.Severity
	if sev <= 0 {
		sev = 2
	}
	return s.apply(ctx, s.Degen, Change{
		SubjectID: p.UserID,
		Category:  CategoryBehavior,
		Magnitude: -float64(sev) * 2,
		Severity:  sev,
		Reason:    "Cooldown violated",
		ActorID:   ev.ActorID,
	})
}

type scamReported struct {
	ReporterID  string `json:"reporterId"`
	AccusedID   string `json:"accusedId"`
	Verified    bool   `json:"verified"`
	FalseReport bool   `json:"falseReport"`
}

func (s *Scorer) onScamReported(ctx context.Context, ev bus.Event) error {
	var p scamReported
	if !s.decode(ev, &p) {
		return nil
	}
	switch {
	case p.FalseReport:
		return s.apply(ctx, s.Degen, Change{SubjectID: p.ReporterID, Category: CategoryBehavior, Magnitude: -10, Severity: 3, Reason: "False scam report"})
	case p.Verified:
		return s.apply(ctx, s.Degen, Change{SubjectID: p.AccusedID, Category: CategoryScamFlags, Magnitude: -15, Severity: 5, Reason: "Verified scam report"})
	default:
		return s.apply(ctx, s.Degen, Change{SubjectID: p.AccusedID, Category: CategoryCommunity, Magnitude: -3, Severity: 1, Reason: "Community scam report (unverified)"})
	}
}

type accountabilitySuccess struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
}

var accountabilityBonus = map[string]float64{
	"cooldown-accepted": 2,
	"vault-used":        3,
	"phone-a-friend":    2,
	"smart-withdrawal":  4,
}

func (s *Scorer) onAccountabilitySuccess(ctx context.Context, ev bus.Event) error {
	var p accountabilitySuccess
	if !s.decode(ev, &p) {
		return nil
	}
	bonus, ok := accountabilityBonus[p.Action]
	if !ok {
		bonus = 1
	}
	return s.apply(ctx, s.Degen, Change{
		SubjectID: p.UserID,
		Category:  CategoryAccountability,
		Magnitude: bonus,
		Reason:    "Accountability: " + p.Action,
		ActorID:   ev.ActorID,
	})
}

// Risk categories for domains.
const (
	RiskSafe       = "safe"
	RiskSuspicious = "suspicious"
	RiskUnsafe     = "unsafe"
	RiskMalicious  = "malicious"
)

var riskDeltas = map[string]float64{
	RiskSafe:       2,
	RiskSuspicious: -10,
	RiskUnsafe:     -25,
	RiskMalicious:  -40,
}

var scannerLevels = map[string]string{
	"safe":       RiskSafe,
	"suspicious": RiskSuspicious,
	"high":       RiskUnsafe,
	"critical":   RiskMalicious,
}

type linkRisk struct {
	URL       string `json:"url"`
	Domain    string `json:"domain"`
	RiskLevel string `json:"riskLevel"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
}

func (s *Scorer) onLinkRiskClassified(ctx context.Context, ev bus.Event) error {
	var p linkRisk
	if !s.decode(ev, &p) {
		return nil
	}
	domain := strings.ToLower(strings.TrimSpace(p.Domain))
	if domain == "" {
		domain = HostOf(p.URL)
	}
	category := strings.ToLower(p.Category)
	if category == "" {
		category = scannerLevels[strings.ToLower(p.RiskLevel)]
	}
	delta, ok := riskDeltas[category]
	if !ok || domain == "" {
		return nil
	}
	return s.ClassifyDomain(ctx, domain, category, delta, ev.ActorID)
}

// ClassifyDomain applies a risk category to a domain. Changes that leave
// the score where it is are not recorded.
func (s *Scorer) ClassifyDomain(ctx context.Context, domain, category string, delta float64, actorID string) error {
	_, _, err := s.Domain.ApplyFunc(ctx, domain, func(prev float64) (Change, bool) {
		if clampScore(prev+delta) == prev {
			return Change{}, false
		}
		return Change{
			Category:  CategoryRisk,
			Magnitude: delta,
			Severity:  SeverityFor(math.Abs(delta) / 100),
			Reason:    "risk:" + category,
			ActorID:   actorID,
		}, true
	})
	if err != nil && faults.IsValidation(err) {
		s.logger.Warn().Err(err).Str("engine", s.Domain.policy.Name).Str("subject", domain).Msg("trust event dropped")
		return nil
	}
	return err
}

// OverrideDomain pushes a domain into the safe (≥60) or unsafe (≤20) band
// on an admin decision and forces a rollup snapshot. The target is computed
// under the subject lock.
func (s *Scorer) OverrideDomain(ctx context.Context, domain string, safe bool, actor string) (Update, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return Update{}, faults.Invalid("domain", "required")
	}
	label := "unsafe"
	if safe {
		label = "safe"
	}
	var current float64
	upd, changed, err := s.Domain.ApplyFunc(ctx, domain, func(prev float64) (Change, bool) {
		current = prev
		target := math.Min(prev, 20)
		if safe {
			target = math.Max(prev, 60)
		}
		delta := target - prev
		if delta == 0 {
			return Change{}, false
		}
		return Change{
			Category:  CategoryOverride,
			Magnitude: delta,
			Severity:  SeverityFor(math.Abs(delta) / 100),
			Reason:    "override:" + label,
			ActorID:   actor,
		}, true
	})
	if err != nil {
		return Update{}, err
	}
	if !changed {
		return Update{SubjectID: domain, PreviousScore: current, NewScore: current, Band: s.Domain.policy.Band(current)}, nil
	}
	s.logger.Info().Str("domain", domain).Str("classification", label).Str("actor", actor).
		Float64("score", upd.NewScore).Msg("domain trust overridden")
	if s.onOverride != nil {
		s.onOverride(ctx)
	}
	return upd, nil
}

// HostOf extracts a lowercase host from a URL or bare domain.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
