package trust

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/bus"
	"fairwatch/internal/faults"
	"fairwatch/internal/storage"
	"fairwatch/internal/storage/sqlite"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	docs     map[string]storage.TrustDocument
}

func (f *flakyStore) SaveTrust(_ context.Context, doc storage.TrustDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	if f.docs == nil {
		f.docs = make(map[string]storage.TrustDocument)
	}
	f.docs[doc.Engine+"/"+doc.SubjectID] = doc
	return nil
}

func (f *flakyStore) LoadTrust(_ context.Context, engine string) ([]storage.TrustDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.TrustDocument
	for _, d := range f.docs {
		if d.Engine == engine {
			out = append(out, d)
		}
	}
	return out, nil
}

func TestScoreIsClamped(t *testing.T) {
	c := newClock()
	e := NewEngine(DegenPolicy(70), Options{Now: c.Now}, nil, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := e.Apply(ctx, Change{SubjectID: "u1", Category: CategoryScamFlags, Magnitude: -15}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got := e.Score("u1"); got != 0 {
		t.Fatalf("score should floor at 0, got %v", got)
	}
	upd, err := e.Apply(ctx, Change{SubjectID: "u1", Category: CategoryBehavior, Magnitude: 500})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if upd.NewScore != 100 || upd.Delta != 100 {
		t.Fatalf("oversized magnitude should clamp: %+v", upd)
	}
}

func TestMalformedChangesRejected(t *testing.T) {
	e := NewEngine(CasinoPolicy(75), Options{}, nil, nil, zerolog.Nop())
	ctx := context.Background()
	cases := []Change{
		{SubjectID: "", Category: CategoryFairness, Magnitude: -1},
		{SubjectID: "stake", Category: "vibes", Magnitude: -1},
		{SubjectID: "stake", Category: CategoryFairness, Magnitude: math.NaN()},
	}
	for _, ch := range cases {
		if _, err := e.Apply(ctx, ch); !faults.IsValidation(err) {
			t.Fatalf("change %+v should be a validation error, got %v", ch, err)
		}
	}
}

func TestCasinoWeights(t *testing.T) {
	e := NewEngine(CasinoPolicy(75), Options{}, nil, nil, zerolog.Nop())
	upd, err := e.Apply(context.Background(), Change{SubjectID: "stake", Category: CategoryBonus, Magnitude: -4})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if math.Abs(upd.Delta-(-4.2)) > 1e-9 {
		t.Fatalf("bonus weight 1.05 expected, delta %v", upd.Delta)
	}
	if upd.Band != "high" {
		t.Fatalf("band = %s", upd.Band)
	}
	rec, _ := e.Record("stake")
	if math.Abs(rec.Components[CategoryBonus]-70.8) > 1e-9 || rec.Components[CategoryFairness] != 75 {
		t.Fatalf("components %+v", rec.Components)
	}
}

func TestPersistenceRetriedOnce(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{failures: 1}
	e := NewEngine(DegenPolicy(70), Options{}, store, nil, zerolog.Nop())
	if _, err := e.Apply(ctx, Change{SubjectID: "u1", Category: CategoryBehavior, Magnitude: 1}); err != nil {
		t.Fatalf("single failure should be retried: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("calls = %d", store.calls)
	}

	store.failures = 2
	_, err := e.Apply(ctx, Change{SubjectID: "u1", Category: CategoryBehavior, Magnitude: 1})
	if !faults.IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if got := e.Score("u1"); got != 71 {
		t.Fatalf("failed write must not change the score, got %v", got)
	}
}

func TestRecoveryBound(t *testing.T) {
	c := newClock()
	e := NewEngine(DegenPolicy(70), Options{Now: c.Now, RecoveryIdle: time.Hour, RecoveryMaxRate: 0.5}, nil, nil, zerolog.Nop())
	ctx := context.Background()

	e.Apply(ctx, Change{SubjectID: "low", Category: CategoryScamFlags, Magnitude: -30})   // 40
	e.Apply(ctx, Change{SubjectID: "edge", Category: CategoryScamFlags, Magnitude: -20.8}) // 49.2
	e.Apply(ctx, Change{SubjectID: "fine", Category: CategoryBehavior, Magnitude: -5})     // 65

	if n, _ := e.Recover(ctx); n != 0 {
		t.Fatalf("active subjects should not recover, got %d", n)
	}

	c.Advance(2 * time.Hour)
	n, err := e.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	if got := e.Score("low"); got != 40.5 {
		t.Fatalf("low recovered to %v", got)
	}
	if got := e.Score("fine"); got != 65 {
		t.Fatalf("subjects above the ceiling are untouched, got %v", got)
	}

	for i := 0; i < 5; i++ {
		c.Advance(time.Hour)
		e.Recover(ctx)
	}
	if got := e.Score("edge"); math.Abs(got-50) > 1e-9 {
		t.Fatalf("recovery must stop at 50, got %v", got)
	}
	rec, _ := e.Record("low")
	last := rec.History[len(rec.History)-1]
	if last.Category != CategoryRecovery || last.Delta != 0.5 {
		t.Fatalf("recovery event %+v", last)
	}
	if !rec.LastActivity.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("recovery must not count as activity: %v", rec.LastActivity)
	}
}

func TestScheduledRecoveryWaits(t *testing.T) {
	c := newClock()
	e := NewEngine(DegenPolicy(70), Options{Now: c.Now, RecoveryIdle: time.Hour}, nil, nil, zerolog.Nop())
	ctx := context.Background()
	e.Apply(ctx, Change{SubjectID: "u", Category: CategoryTilt, Magnitude: -25, RecoveryAfter: 4 * time.Hour})

	c.Advance(2 * time.Hour)
	if n, _ := e.Recover(ctx); n != 0 {
		t.Fatal("recovery scheduled in the future should be skipped")
	}
	c.Advance(3 * time.Hour)
	if n, _ := e.Recover(ctx); n != 1 {
		t.Fatal("recovery should run once the schedule has passed")
	}
}

func TestFoldMatchesLiveScoreAndPrunes(t *testing.T) {
	c := newClock()
	e := NewEngine(DomainPolicy(50), Options{Now: c.Now, MaxHistory: 5}, nil, nil, zerolog.Nop())
	ctx := context.Background()
	deltas := []float64{-40, -40, 2, 2, -10, 2, 2, 2, -25, 2, 2}
	for _, d := range deltas {
		c.Advance(time.Minute)
		if _, err := e.Apply(ctx, Change{SubjectID: "example.com", Category: CategoryRisk, Magnitude: d}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	rec, _ := e.Record("example.com")
	if len(rec.History) != 5 || rec.Baseline == nil || rec.Baseline.Events != 6 {
		t.Fatalf("history should be pruned into a baseline: %d events, baseline %+v", len(rec.History), rec.Baseline)
	}
	live := rec.Score
	if got, _ := e.Rebuild("example.com"); got != live {
		t.Fatalf("rebuild %v != live %v", got, live)
	}

	var full []Event
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, d := range deltas {
		ts = ts.Add(time.Minute)
		full = append(full, Event{Timestamp: ts, Delta: d, Category: CategoryRisk})
	}
	if got := Fold(full, DomainPolicy(50), c.Now()); got != live {
		t.Fatalf("fold over the full history %v != live %v", got, live)
	}
	if got := Fold(full, DomainPolicy(50), ts.Add(-time.Minute)); got == live {
		t.Fatal("fold must ignore events after now")
	}
}

func TestReloadFromSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.db")
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := NewEngine(CasinoPolicy(75), Options{}, store, nil, zerolog.Nop())
	e.Apply(ctx, Change{SubjectID: "stake", Category: CategoryFairness, Magnitude: -10, Reason: "Fairness alert", Severity: 4})
	want := e.Score("stake")
	store.Close()

	store, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	reloaded := NewEngine(CasinoPolicy(75), Options{}, store, nil, zerolog.Nop())
	if n, err := reloaded.Load(ctx); err != nil || n != 1 {
		t.Fatalf("load = %d, %v", n, err)
	}
	if got := reloaded.Score("stake"); got != want {
		t.Fatalf("reloaded score %v, want %v", got, want)
	}
	lines := reloaded.Explain("stake", 3)
	if len(lines) < 3 || !strings.Contains(strings.Join(lines, "\n"), "Fairness alert") {
		t.Fatalf("explain %v", lines)
	}
}

func TestUpdatesPublished(t *testing.T) {
	b := bus.New(zerolog.Nop())
	var got []Update
	b.Subscribe(bus.TrustDegenUpdated, func(_ context.Context, ev bus.Event) error {
		var u Update
		if err := ev.Decode(&u); err != nil {
			return err
		}
		got = append(got, u)
		return nil
	}, "test")

	e := NewEngine(DegenPolicy(70), Options{}, nil, b, zerolog.Nop())
	e.Apply(context.Background(), Change{SubjectID: "u1", Category: CategoryAccountability, Magnitude: 3})
	if len(got) != 1 || got[0].NewScore != 73 || got[0].Band != "GREEN" || got[0].Source != "trust-engine-degen" {
		t.Fatalf("published %+v", got)
	}
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	e := NewEngine(DegenPolicy(50), Options{}, &flakyStore{}, nil, zerolog.Nop())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Apply(ctx, Change{SubjectID: "u1", Category: CategoryBehavior, Magnitude: 1})
		}()
	}
	wg.Wait()
	if got := e.Score("u1"); got != 90 {
		t.Fatalf("lost updates: score %v", got)
	}
}
