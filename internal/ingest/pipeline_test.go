package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/alerting"
	"fairwatch/internal/bus"
	"fairwatch/internal/detector"
	"fairwatch/internal/faults"
	"fairwatch/internal/normalize"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
	"fairwatch/internal/storage/sqlite"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

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

// flakyOutcomes fails the first n inserts.
type flakyOutcomes struct {
	storage.OutcomeStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyOutcomes) Insert(ctx context.Context, rec storage.OutcomeRecord) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return f.OutcomeStore.Insert(ctx, rec)
}

type fixture struct {
	pipeline *Pipeline
	store    *sqlite.Store
	bus      *bus.Bus
	clock    *clock
}

func newFixture(t *testing.T, wrap func(storage.OutcomeStore) storage.OutcomeStore) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "fairwatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := &clock{now: base}
	admitter, err := session.NewAdmitter(session.Options{AllowUnsigned: true, Now: c.Now}, zerolog.Nop())
	if err != nil {
		t.Fatalf("admitter: %v", err)
	}
	var outcomes storage.OutcomeStore = store
	if wrap != nil {
		outcomes = wrap(store)
	}
	det := detector.New(detector.Options{WindowSize: 200, MinSpins: 20, BaselineRTP: 0.96},
		detector.Stores{Outcomes: store, Snapshots: store, Anomalies: store}, zerolog.Nop())
	alerts := alerting.NewManager(alerting.Options{Now: c.Now}, zerolog.Nop())
	b := bus.New(zerolog.Nop())
	p := NewPipeline(admitter, normalize.New(nil, normalize.Options{Now: c.Now}, zerolog.Nop()), outcomes,
		det, alerts, b, Options{WriteRetries: 3}, zerolog.Nop())
	return &fixture{pipeline: p, store: store, bus: b, clock: c}
}

func tokenJSON(t *testing.T, id string, expires time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(session.Token{SessionID: id, CasinoID: "stake", SubjectID: "alice", Expires: expires.UnixMilli()})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	return raw
}

func sessionRef(id string) json.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

func spins(n int, bet, win float64) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":        fmt.Sprintf("spin-%03d", i),
			"timestamp": float64(base.Add(time.Duration(i) * time.Second).UnixMilli()),
			"bet":       bet,
			"win":       win,
		}
	}
	return rows
}

func TestHotWindowRaisesOneAlert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var escalated []alerting.Alert
	f.bus.Subscribe(bus.FairnessAlert, func(_ context.Context, ev bus.Event) error {
		var a alerting.Alert
		if err := ev.Decode(&a); err != nil {
			return err
		}
		escalated = append(escalated, a)
		return nil
	}, "test")

	msg := Message{Session: tokenJSON(t, "s1", base.Add(time.Hour)), Casino: "stake", Rows: spins(200, 1, 1.104)}
	res, err := f.pipeline.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Accepted != 200 || res.Findings != 1 || len(res.Alerts) != 1 {
		t.Fatalf("result %+v", res)
	}
	alert := res.Alerts[0]
	if alert.Kind != storage.KindRtpOutlier || alert.Severity != storage.SeverityCritical || !alert.Escalate {
		t.Fatalf("alert %+v", alert)
	}
	if len(escalated) != 1 || escalated[0].ID != alert.ID {
		t.Fatalf("bus saw %+v", escalated)
	}
	if touched := f.pipeline.Touched(); len(touched) != 1 || touched[0] != "stake" {
		t.Fatalf("touched %v", touched)
	}

	// replaying the batch stores nothing new and raises nothing
	msg.Session = sessionRef("s1")
	res, err = f.pipeline.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Accepted != 0 || res.Duplicates != 200 || len(res.Alerts) != 0 {
		t.Fatalf("replay result %+v", res)
	}
	if touched := f.pipeline.Touched(); len(touched) != 0 {
		t.Fatalf("duplicates should not mark the casino, got %v", touched)
	}

	anomalies, err := f.store.RecentAnomalies(ctx, "stake", 10)
	if err != nil || len(anomalies) != 1 {
		t.Fatalf("anomalies %+v, %v", anomalies, err)
	}
	if len(escalated) != 1 {
		t.Fatalf("expected exactly one alert on the bus, got %d", len(escalated))
	}
}

func TestStreamedWindowRaisesOneAlert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	escalated := 0
	f.bus.Subscribe(bus.FairnessAlert, func(context.Context, bus.Event) error {
		escalated++
		return nil
	}, "test")

	alerts := 0
	for i, row := range spins(200, 1, 1.104) {
		ref := sessionRef("s1")
		if i == 0 {
			ref = tokenJSON(t, "s1", base.Add(time.Hour))
		}
		res, err := f.pipeline.Ingest(ctx, Message{Session: ref, Casino: "stake", Rows: []map[string]any{row}})
		if err != nil {
			t.Fatalf("ingest row %d: %v", i, err)
		}
		if res.Accepted != 1 {
			t.Fatalf("row %d result %+v", i, res)
		}
		alerts += len(res.Alerts)
	}
	if alerts != 1 || escalated != 1 {
		t.Fatalf("expected exactly one alert for the streamed window, got %d (bus %d)", alerts, escalated)
	}

	anomalies, err := f.store.RecentAnomalies(ctx, "stake", 5)
	if err != nil || len(anomalies) == 0 {
		t.Fatalf("anomalies %+v, %v", anomalies, err)
	}
	newest := anomalies[0]
	if newest.Kind != storage.KindRtpOutlier || math.Abs(newest.Confidence-0.75) > 1e-9 {
		t.Fatalf("newest finding should reflect the full window: %+v", newest)
	}
}

func TestSessionChecks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, Message{Session: sessionRef("never-admitted"), Casino: "stake", Rows: spins(1, 1, 0)})
	if !errors.Is(err, faults.ErrUnknownSession) {
		t.Fatalf("unknown session: %v", err)
	}

	_, err = f.pipeline.Ingest(ctx, Message{Session: tokenJSON(t, "s2", base.Add(-time.Second)), Casino: "stake", Rows: spins(1, 1, 0)})
	if !errors.Is(err, faults.ErrExpired) {
		t.Fatalf("expired token should be rejected: %v", err)
	}

	if _, err := f.pipeline.Ingest(ctx, Message{Session: tokenJSON(t, "s3", base.Add(time.Minute)), Rows: spins(1, 1, 0)}); err != nil {
		t.Fatalf("casino should default to the session's: %v", err)
	}
	_, err = f.pipeline.Ingest(ctx, Message{Session: sessionRef("s3"), Casino: "rollbit", Rows: spins(1, 1, 0)})
	if !faults.IsAuthentication(err) {
		t.Fatalf("casino mismatch should fail authentication: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	res, err := f.pipeline.Ingest(ctx, Message{Session: sessionRef("s3"), Casino: "stake", Rows: spins(5, 1, 0)})
	if !errors.Is(err, faults.ErrExpired) || res.Accepted != 0 {
		t.Fatalf("expired session should reject records: %+v, %v", res, err)
	}
}

func TestTokenAsJSONString(t *testing.T) {
	f := newFixture(t, nil)
	tok := tokenJSON(t, "s4", base.Add(time.Hour))
	wrapped, _ := json.Marshal(string(tok))
	res, err := f.pipeline.Ingest(context.Background(), Message{Session: wrapped, Casino: "stake", Row: spins(1, 1, 2)[0]})
	if err != nil || res.Accepted != 1 || res.SessionID != "s4" {
		t.Fatalf("string token: %+v, %v", res, err)
	}
}

func TestMalformedRowsRejected(t *testing.T) {
	f := newFixture(t, nil)
	rows := spins(3, 1, 0.5)
	rows[1] = map[string]any{"id": "bad", "bet": "-", "win": 1}
	res, err := f.pipeline.Ingest(context.Background(), Message{Session: tokenJSON(t, "s5", base.Add(time.Hour)), Casino: "stake", Rows: rows})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 1 || res.Rejected[0].Line != 2 {
		t.Fatalf("result %+v", res)
	}
}

func TestWriteRetries(t *testing.T) {
	var flaky *flakyOutcomes
	f := newFixture(t, func(s storage.OutcomeStore) storage.OutcomeStore {
		flaky = &flakyOutcomes{OutcomeStore: s, failures: 2}
		return flaky
	})
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, Message{Session: tokenJSON(t, "s6", base.Add(time.Hour)), Casino: "stake", Rows: spins(1, 1, 0)})
	if err != nil || res.Accepted != 1 || flaky.calls != 3 {
		t.Fatalf("transient failures should be retried: %+v, calls %d, %v", res, flaky.calls, err)
	}

	flaky.failures = 100
	res, err = f.pipeline.Ingest(ctx, Message{Session: sessionRef("s6"), Casino: "stake", Rows: spins(3, 1, 0)[1:]})
	if !errors.Is(err, faults.ErrPartialFailure) || !faults.IsPersistence(err) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if res.Failed != 2 || res.Accepted != 0 {
		t.Fatalf("result %+v", res)
	}
}
