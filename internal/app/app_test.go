package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/config"
	"fairwatch/internal/fairness"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage:  config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "fairwatch.db")},
		Detector: config.DetectorConfig{SnapshotWindowHours: 1},
		Rollup:   config.RollupConfig{Dir: filepath.Join(dir, "rollup")},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
	return NewApp(cfg, zerolog.Nop())
}

func writeExport(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("spin_id,timestamp,bet,win\n")
	for i := 0; i < rows; i++ {
		win := 2
		if i%2 == 1 {
			win = 0
		}
		fmt.Fprintf(&b, "r%d,%d,1,%d\n", i, 1700000000+i*60, win)
	}
	b.WriteString("broken,1700009999,-5,0\n")
	path := filepath.Join(t.TempDir(), "export.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write export: %v", err)
	}
	return path
}

func TestImportThenExport(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	summary, err := a.Import(ctx, ImportOptions{Path: writeExport(t, 40), Casino: "stake"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Parsed != 40 || summary.Inserted != 40 || len(summary.Rejections) != 1 || !summary.Analyzed {
		t.Fatalf("summary %+v", summary)
	}

	again, err := a.Import(ctx, ImportOptions{Path: writeExport(t, 40), Casino: "stake"})
	if err != nil || again.Inserted != 0 {
		t.Fatalf("re-import should be idempotent: %+v, %v", again, err)
	}

	from := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)
	csvPath := filepath.Join(t.TempDir(), "out", "snapshots.csv")
	if err := a.Export(ctx, ExportOptions{Casino: "stake", From: &from, To: &to, CSVPath: csvPath}); err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	lines, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("want header plus one bucket, got %d lines", len(lines))
	}
	if lines[1][0] != "2023-11-14T22:00:00Z" || lines[1][2] != "40" || lines[1][5] != "1.0000" {
		t.Fatalf("unexpected row %v", lines[1])
	}

	var out bytes.Buffer
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()
	if err := a.show(ctx, store, ShowOptions{Casino: "stake", What: "outcomes", Limit: 3}, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "r39") || strings.Contains(out.String(), "r30") {
		t.Fatalf("show should list the newest rows:\n%s", out.String())
	}
	if err := a.show(ctx, store, ShowOptions{Casino: "stake", What: "bogus", Limit: 3}, &out); err == nil {
		t.Fatal("unknown table should fail")
	}
}

func TestImportDryRunLeavesStoreEmpty(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	summary, err := a.Import(ctx, ImportOptions{Path: writeExport(t, 5), Casino: "stake", DryRun: true})
	if err != nil || summary.Parsed != 5 || summary.Inserted != 0 {
		t.Fatalf("dry run %+v, %v", summary, err)
	}
	if _, err := os.Stat(a.Config.Storage.Path); !os.IsNotExist(err) {
		t.Fatal("dry run should not create the database")
	}
}

func TestVerifySingleBet(t *testing.T) {
	a := newTestApp(t)
	bet := fairness.Bet{CommittedSeed: "server", SubjectID: "alice", ClientSeed: "lucky"}
	bet.ReportedHash = fairness.GenerateOutcomeHash(bet.CommittedSeed, bet.SubjectID, bet.ClientSeed)

	var out bytes.Buffer
	report, err := a.Verify(context.Background(), VerifyOptions{Bet: bet}, &out)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Passed != 1 || !strings.Contains(out.String(), `"passed": 1`) {
		t.Fatalf("report %+v\n%s", report, out.String())
	}

	if _, err := a.Verify(context.Background(), VerifyOptions{Block: "123", Bet: fairness.Bet{SubjectID: "a", ReportedHash: "00"}}, &out); err == nil {
		t.Fatal("block lookup without an rpc url should fail")
	}
	if _, err := a.Verify(context.Background(), VerifyOptions{}, &out); err == nil {
		t.Fatal("a bet without evidence should be refused")
	}
}

func TestTrustOverrideRecordedInRollup(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	upd, err := a.TrustOverride(ctx, "https://Example.com/promo", false, "admin")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if upd.SubjectID != "example.com" || upd.NewScore != 20 {
		t.Fatalf("update %+v", upd)
	}

	var out bytes.Buffer
	if err := a.TrustShow(ctx, "domain", "example.com", true, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "20.0") {
		t.Fatalf("persisted score missing:\n%s", out.String())
	}
	if err := a.TrustShow(ctx, "planet", "", false, &out); err == nil {
		t.Fatal("unknown engine should fail")
	}

	out.Reset()
	if err := a.RollupShow(&out, 5); err != nil {
		t.Fatalf("rollup show: %v", err)
	}
	if !strings.Contains(out.String(), "example.com") {
		t.Fatalf("rollup output missing override:\n%s", out.String())
	}
}
