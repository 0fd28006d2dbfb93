package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/config"
	"fairwatch/internal/detector"
	"fairwatch/internal/ingest"
	"fairwatch/internal/normalize"
	"fairwatch/internal/rollup"
	"fairwatch/internal/session"
	"fairwatch/internal/storage/sqlite"
	"fairwatch/internal/trust"
)

var hour = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeLocker struct {
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.acquired++
	return func() { l.released++ }, true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{AdvisoryLockKey: 42},
		Session: config.SessionConfig{SweepInterval: time.Minute},
		Trust:   config.TrustConfig{RecoveryInterval: time.Hour},
		Rollup:  config.RollupConfig{FlushInterval: time.Minute},
	}
}

func TestRecoveryRespectsAdvisoryLock(t *testing.T) {
	now := hour
	scorer := trust.NewScorer(config.TrustConfig{RecoveryIdle: time.Hour}, trust.ScorerOptions{Now: func() time.Time { return now }}, nil, nil, zerolog.Nop())
	ctx := context.Background()
	scorer.Degen.Apply(ctx, trust.Change{SubjectID: "u1", Category: trust.CategoryScamFlags, Magnitude: -30})
	now = now.Add(2 * time.Hour)

	locker := &fakeLocker{held: true}
	svc := New(testConfig(), Deps{Scorer: scorer, Locker: locker}, zerolog.Nop())

	if err := svc.RecoverTrust(ctx, now); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if scorer.Degen.Score("u1") != 40 {
		t.Fatal("recovery must not run while another process holds the lock")
	}

	locker.held = false
	if err := svc.RecoverTrust(ctx, now); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if scorer.Degen.Score("u1") != 40.5 || locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("score %v, lock %d/%d", scorer.Degen.Score("u1"), locker.acquired, locker.released)
	}

	locker.err = errors.New("connection reset")
	if err := svc.RecoverTrust(ctx, now); err == nil {
		t.Fatal("lock errors should surface")
	}
}

func TestSummarizeTouchedCasinos(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	clock := func() time.Time { return hour.Add(30 * time.Minute) }
	admitter, _ := session.NewAdmitter(session.Options{AllowUnsigned: true, Now: clock}, zerolog.Nop())
	det := detector.New(detector.Options{}, detector.Stores{Outcomes: store, Snapshots: store, Anomalies: store}, zerolog.Nop())
	pipeline := ingest.NewPipeline(admitter, normalize.New(nil, normalize.Options{}, zerolog.Nop()), store, nil, nil, nil, ingest.Options{}, zerolog.Nop())

	rows := make([]map[string]any, 10)
	for i := range rows {
		rows[i] = map[string]any{"id": fmt.Sprintf("r%d", i), "timestamp": float64(hour.Add(time.Duration(i) * time.Minute).UnixMilli()), "bet": 2, "win": 1}
	}
	tok := fmt.Sprintf(`{"sessionId":"s1","casinoId":"stake","subjectId":"a","expires":%d}`, hour.Add(time.Hour).UnixMilli())
	if _, err := pipeline.Ingest(ctx, ingest.Message{Session: []byte(tok), Casino: "stake", Rows: rows}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	svc := New(testConfig(), Deps{Detector: det, Pipeline: pipeline, Admitter: admitter}, zerolog.Nop())
	if err := svc.SummarizeBucket(ctx, hour.Add(time.Hour)); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	snaps, err := store.SnapshotsFor(ctx, "stake", hour, hour.Add(time.Hour))
	if err != nil || len(snaps) != 1 || snaps[0].SpinCount != 10 || snaps[0].RTP != 0.5 {
		t.Fatalf("snapshots %+v, %v", snaps, err)
	}
	if err := svc.SweepSessions(ctx, hour); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestRunFlushesRollupOnShutdown(t *testing.T) {
	dir := t.TempDir()
	agg := rollup.New(rollup.Options{Dir: dir}, nil, zerolog.Nop())
	agg.Record(true, "example.com", -10, 1, 40)

	svc := New(testConfig(), Deps{Rollup: agg}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if d, _ := agg.Pending(); d != 0 {
		t.Fatal("shutdown should flush pending entries")
	}
	snap, err := rollup.ReadLatest(dir)
	if err != nil || len(snap.Batches) != 1 {
		t.Fatalf("snapshot %+v, %v", snap, err)
	}

	if err := New(testConfig(), Deps{}, zerolog.Nop()).Run(context.Background()); err == nil {
		t.Fatal("a service without jobs should refuse to run")
	}
}
