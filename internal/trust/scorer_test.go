package trust

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/bus"
	"fairwatch/internal/config"
	"fairwatch/internal/storage"
)

func newTestScorer(t *testing.T) (*Scorer, *bus.Bus, *int) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	overrides := 0
	s := NewScorer(config.TrustConfig{CasinoStart: 75, DegenStart: 70, DomainStart: 50, TiltRecoveryWait: 4 * time.Hour},
		ScorerOptions{OnOverride: func(context.Context) { overrides++ }}, nil, b, zerolog.Nop())
	s.Subscribe(b)
	return s, b, &overrides
}

func publish(t *testing.T, b *bus.Bus, name string, payload any) {
	t.Helper()
	if err := b.Publish(context.Background(), name, "test", payload, ""); err != nil {
		t.Fatalf("publish %s: %v", name, err)
	}
}

func TestCasinoSignals(t *testing.T) {
	s, b, _ := newTestScorer(t)

	publish(t, b, bus.LinkFlagged, map[string]string{"url": "https://www.shady-casino.io/promo", "riskLevel": "critical"})
	if got := s.Casino.Score("shady-casino.io"); math.Abs(got-(75-10.5)) > 1e-9 {
		t.Fatalf("link flagged score %v", got)
	}

	publish(t, b, bus.BonusNerfDetected, map[string]any{"casinoName": "stake", "percentDrop": 0.25})
	rec, _ := s.Casino.Record("stake")
	if last := rec.History[len(rec.History)-1]; last.Severity != 3 || math.Abs(last.Delta-(-6.3)) > 1e-9 {
		t.Fatalf("bonus nerf event %+v", last)
	}

	publish(t, b, bus.FairnessAlert, map[string]any{"casinoId": "rollbit", "kind": storage.KindRtpOutlier, "severity": storage.SeverityCritical})
	rec, _ = s.Casino.Record("rollbit")
	if rec.Components[CategoryPayouts] >= 75 || rec.Components[CategoryFairness] != 75 {
		t.Fatalf("rtp alerts should hit payouts: %+v", rec.Components)
	}

	publish(t, b, bus.FairnessAlert, map[string]any{"casinoId": "rollbit", "kind": storage.KindWinClustering, "severity": storage.SeverityNone})
	rec, _ = s.Casino.Record("rollbit")
	if len(rec.History) != 1 {
		t.Fatal("none severity alerts should not move trust")
	}
}

func TestDegenSignals(t *testing.T) {
	s, b, _ := newTestScorer(t)

	publish(t, b, bus.TipCompleted, map[string]any{"fromUserId": "alice", "toUserId": "bob", "amount": 150})
	if s.Degen.Score("alice") != 74 || s.Degen.Score("bob") != 72 {
		t.Fatalf("tip scores alice=%v bob=%v", s.Degen.Score("alice"), s.Degen.Score("bob"))
	}

	publish(t, b, bus.TiltDetected, map[string]any{"userId": "carol", "tiltCount": 2})
	rec, _ := s.Degen.Record("carol")
	if rec.Score != 60 || rec.RecoveryScheduledAt == nil {
		t.Fatalf("tilt record %+v", rec)
	}

	publish(t, b, bus.CooldownViolated, map[string]any{"userId": "dave"})
	if s.Degen.Score("dave") != 66 {
		t.Fatalf("cooldown default severity 2 should cost 4, got %v", s.Degen.Score("dave"))
	}

	publish(t, b, bus.ScamReported, map[string]any{"reporterId": "erin", "accusedId": "frank", "verified": true})
	publish(t, b, bus.ScamReported, map[string]any{"reporterId": "gina", "accusedId": "hank", "falseReport": true})
	publish(t, b, bus.ScamReported, map[string]any{"reporterId": "ivan", "accusedId": "judy"})
	if s.Degen.Score("frank") != 55 || s.Degen.Score("gina") != 60 || s.Degen.Score("hank") != 70 || s.Degen.Score("judy") != 67 {
		t.Fatalf("scam scores frank=%v gina=%v hank=%v judy=%v",
			s.Degen.Score("frank"), s.Degen.Score("gina"), s.Degen.Score("hank"), s.Degen.Score("judy"))
	}

	publish(t, b, bus.AccountabilitySuccess, map[string]any{"userId": "kim", "action": "smart-withdrawal"})
	publish(t, b, bus.AccountabilitySuccess, map[string]any{"userId": "lee", "action": "journaling"})
	if s.Degen.Score("kim") != 74 || s.Degen.Score("lee") != 71 {
		t.Fatalf("accountability kim=%v lee=%v", s.Degen.Score("kim"), s.Degen.Score("lee"))
	}
}

func TestMalformedEventsDropped(t *testing.T) {
	s, b, _ := newTestScorer(t)
	publish(t, b, bus.TiltDetected, map[string]any{"tiltCount": 2})
	publish(t, b, bus.BonusNerfDetected, map[string]any{"casinoName": "stake"})
	publish(t, b, bus.LinkFlagged, "not an object")
	if len(s.Casino.Subjects())+len(s.Degen.Subjects()) != 0 {
		t.Fatal("malformed events must not create subjects")
	}
}

func TestDomainClassificationAndOverride(t *testing.T) {
	s, b, overrides := newTestScorer(t)

	publish(t, b, bus.LinkRiskClassified, map[string]string{"url": "https://example.com/x", "riskLevel": "suspicious"})
	publish(t, b, bus.LinkRiskClassified, map[string]string{"domain": "example.com", "category": "malicious"})
	if got := s.Domain.Score("example.com"); got != 0 {
		t.Fatalf("example.com = %v", got)
	}
	publish(t, b, bus.LinkRiskClassified, map[string]string{"domain": "example.com", "category": "unknown"})
	rec, _ := s.Domain.Record("example.com")
	if len(rec.History) != 2 {
		t.Fatalf("unknown category should be ignored, history %d", len(rec.History))
	}

	upd, err := s.OverrideDomain(context.Background(), "Example.com", true, "admin")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if upd.NewScore != 60 || *overrides != 1 {
		t.Fatalf("override update %+v, snapshots forced %d", upd, *overrides)
	}
	if _, err := s.OverrideDomain(context.Background(), "example.com", true, "admin"); err != nil || *overrides != 1 {
		t.Fatalf("no-op override should not force a snapshot: %v", err)
	}
}

func TestConcurrentOverridesStopAtTarget(t *testing.T) {
	s, _, overrides := newTestScorer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.OverrideDomain(ctx, "race.example", false, "admin"); err != nil {
				t.Errorf("override: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Domain.Score("race.example"); got != 20 {
		t.Fatalf("concurrent unsafe overrides should settle at 20, got %v", got)
	}
	rec, _ := s.Domain.Record("race.example")
	if len(rec.History) != 1 || *overrides != 1 {
		t.Fatalf("only the first override should change the score: history %d, snapshots %d", len(rec.History), *overrides)
	}
}

func TestSeverityHelpers(t *testing.T) {
	if SeverityFor(0) != 1 || SeverityFor(0.25) != 3 || SeverityFor(2) != 5 {
		t.Fatal("severity mapping")
	}
	if PenaltyFor(5, nil) != -12 || PenaltyFor(0, nil) != 0 {
		t.Fatal("penalty mapping")
	}
	if HostOf("WWW.Example.com/path") != "www.example.com" || HostOf("") != "" {
		t.Fatal("host extraction")
	}
}
