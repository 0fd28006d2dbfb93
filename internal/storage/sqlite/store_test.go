package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"fairwatch/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "fairwatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func outcome(id string, ts time.Time, bet, win float64) storage.OutcomeRecord {
	return storage.OutcomeRecord{ID: id, CasinoID: "stake", Timestamp: ts, BetAmount: bet, WinAmount: win, NetWin: win - bet}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected path error")
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	ok, err := store.Insert(ctx, outcome("a", base, 1, 2))
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = store.Insert(ctx, outcome("a", base, 5, 0))
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if ok {
		t.Fatal("duplicate insert should be a no-op")
	}

	recs, err := store.RecentFor(ctx, "stake", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].BetAmount != 1 || recs[0].WinAmount != 2 {
		t.Fatalf("store changed by duplicate: %+v", recs)
	}
}

func TestInsertBatchAtomic(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	n, err := store.InsertBatch(ctx, []storage.OutcomeRecord{
		outcome("a", base, 1, 0),
		outcome("b", base.Add(time.Second), 1, 0),
		outcome("a", base, 1, 0),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	bad := outcome("c", base, 1, 0)
	bad.CasinoID = ""
	if _, err := store.InsertBatch(ctx, []storage.OutcomeRecord{outcome("d", base, 1, 0), bad}); err == nil {
		t.Fatal("invalid record should fail the batch")
	}
	recs, _ := store.RecentFor(ctx, "stake", 10)
	if len(recs) != 2 {
		t.Fatalf("failed batch left partial state: %d rows", len(recs))
	}
}

func TestRecentAndRangeOrdering(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		if _, err := store.Insert(ctx, outcome(id, base.Add(time.Duration(i)*time.Minute), 1, 0)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := outcome("x", base, 1, 0)
	other.CasinoID = "rollbit"
	if _, err := store.Insert(ctx, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	recent, err := store.RecentFor(ctx, "stake", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "d" || recent[1].ID != "c" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}

	ranged, err := store.RangeFor(ctx, "stake", base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(ranged) != 2 || ranged[0].ID != "b" || ranged[1].ID != "c" {
		t.Fatalf("unexpected range: %+v", ranged)
	}
}

func TestUpsertSnapshotOverwrites(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	snap := storage.MetricSnapshot{CasinoID: "stake", WindowStart: start, WindowEnd: start.Add(time.Hour), SpinCount: 10, RTP: 0.9}
	if err := store.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	snap.SpinCount = 20
	snap.RTP = 1.1
	if err := store.UpsertSnapshot(ctx, snap); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	snaps, err := store.SnapshotsFor(ctx, "stake", start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].SpinCount != 20 || snaps[0].RTP != 1.1 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestAnomalyAndSeedTrail(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	f := storage.AnomalyFinding{CasinoID: "stake", Kind: storage.KindRtpOutlier, Severity: storage.SeverityCritical, Confidence: 0.8, Reason: "rtp drift", Metadata: json.RawMessage(`{"rtp":1.1}`), Timestamp: ts}
	ok, err := store.InsertAnomaly(ctx, f)
	if err != nil || !ok {
		t.Fatalf("insert anomaly: ok=%v err=%v", ok, err)
	}
	ok, err = store.InsertAnomaly(ctx, f)
	if err != nil || ok {
		t.Fatalf("re-insert should be a no-op: ok=%v err=%v", ok, err)
	}
	found, err := store.RecentAnomalies(ctx, "stake", 5)
	if err != nil {
		t.Fatalf("recent anomalies: %v", err)
	}
	if len(found) != 1 || found[0].ID != storage.FindingID("stake", storage.KindRtpOutlier, ts) {
		t.Fatalf("unexpected findings: %+v", found)
	}

	for i, seed := range []string{"s1", "s2"} {
		if err := store.InsertSeed(ctx, storage.SeedSubmission{CasinoID: "stake", Seed: seed, SubmittedBy: "u", Timestamp: ts.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("insert seed: %v", err)
		}
	}
	seeds, err := store.SeedsFor(ctx, "stake", 10)
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(seeds) != 2 || seeds[0].Seed != "s2" {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}
}

func TestTrustDocumentsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.db")
	ctx := context.Background()
	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	doc := storage.TrustDocument{Engine: "casino", SubjectID: "stake", Score: 71.5, Body: json.RawMessage(`{"subjectId":"stake"}`), UpdatedAt: time.Now()}
	if err := store.SaveTrust(ctx, doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	doc.Score = 60
	if err := store.SaveTrust(ctx, doc); err != nil {
		t.Fatalf("save again: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	docs, err := reopened.LoadTrust(ctx, "casino")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(docs) != 1 || docs[0].Score != 60 {
		t.Fatalf("unexpected docs: %+v", docs)
	}
}
