// Package sqlite is the file-backed default store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fairwatch/internal/storage"
)

const dsnParams = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_txlock=immediate"

const (
	insertOutcomeSQL = `INSERT INTO outcomes (id, casino_id, ts, bet_amount, win_amount, net_win, outcome_tag)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	recentOutcomesSQL = `SELECT id, casino_id, ts, bet_amount, win_amount, net_win, outcome_tag
FROM outcomes
WHERE casino_id = ?
ORDER BY ts DESC, id DESC
LIMIT ?`

	rangeOutcomesSQL = `SELECT id, casino_id, ts, bet_amount, win_amount, net_win, outcome_tag
FROM outcomes
WHERE casino_id = ? AND ts >= ? AND ts < ?
ORDER BY ts, id`

	upsertSnapshotSQL = `INSERT INTO metric_snapshots (
	casino_id, window_start, window_end, spin_count, total_bet, total_win, rtp, mean_net_win, volatility
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (casino_id, window_start) DO UPDATE SET
	window_end   = excluded.window_end,
	spin_count   = excluded.spin_count,
	total_bet    = excluded.total_bet,
	total_win    = excluded.total_win,
	rtp          = excluded.rtp,
	mean_net_win = excluded.mean_net_win,
	volatility   = excluded.volatility`

	snapshotsForSQL = `SELECT casino_id, window_start, window_end, spin_count, total_bet, total_win, rtp, mean_net_win, volatility
FROM metric_snapshots
WHERE casino_id = ? AND window_start >= ? AND window_start < ?
ORDER BY window_start`

	insertSeedSQL = `INSERT INTO seeds (casino_id, seed, submitted_by, ts) VALUES (?, ?, ?, ?)`

	seedsForSQL = `SELECT id, casino_id, seed, submitted_by, ts
FROM seeds
WHERE casino_id = ?
ORDER BY ts DESC, id DESC
LIMIT ?`

	insertAnomalySQL = `INSERT INTO anomalies (id, casino_id, kind, severity, confidence, reason, metadata, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	recentAnomaliesSQL = `SELECT id, casino_id, kind, severity, confidence, reason, metadata, ts
FROM anomalies
WHERE casino_id = ?
ORDER BY ts DESC, id DESC
LIMIT ?`

	saveTrustSQL = `INSERT INTO trust_records (engine, subject_id, score, body, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (engine, subject_id) DO UPDATE SET
	score      = excluded.score,
	body       = excluded.body,
	updated_at = excluded.updated_at`

	loadTrustSQL = `SELECT engine, subject_id, score, body, updated_at
FROM trust_records
WHERE engine = ?
ORDER BY subject_id`
)

// Store provides SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// Open opens the database file and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path)+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) getDB(ctx context.Context) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.db, nil
}

// Insert writes one outcome, ignoring duplicate ids.
func (s *Store) Insert(ctx context.Context, rec storage.OutcomeRecord) (bool, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return false, err
	}
	if err := storage.ValidateRecord(rec); err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, insertOutcomeSQL, outcomeArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertBatch writes all outcomes in a single transaction.
func (s *Store) InsertBatch(ctx context.Context, recs []storage.OutcomeRecord) (int, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := storage.ValidateRecord(rec); err != nil {
			return 0, err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertOutcomeSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range recs {
		res, err := stmt.ExecContext(ctx, outcomeArgs(rec)...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert outcome %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// RecentFor lists newest-first outcomes for a casino.
func (s *Store) RecentFor(ctx context.Context, casinoID string, limit int) ([]storage.OutcomeRecord, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := db.QueryContext(ctx, recentOutcomesSQL, casinoID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows, limit)
}

// RangeFor lists outcomes with start <= ts < end, oldest first.
func (s *Store) RangeFor(ctx context.Context, casinoID string, start, end time.Time) ([]storage.OutcomeRecord, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, rangeOutcomesSQL, casinoID, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("range outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows, 0)
}

// UpsertSnapshot inserts or replaces the snapshot for (casino, window start).
func (s *Store) UpsertSnapshot(ctx context.Context, snap storage.MetricSnapshot) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, upsertSnapshotSQL,
		snap.CasinoID,
		snap.WindowStart.UTC().UnixMilli(),
		snap.WindowEnd.UTC().UnixMilli(),
		snap.SpinCount,
		snap.TotalBet,
		snap.TotalWin,
		snap.RTP,
		snap.MeanNetWin,
		snap.Volatility,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// SnapshotsFor lists snapshots whose window starts in [from, to).
func (s *Store) SnapshotsFor(ctx context.Context, casinoID string, from, to time.Time) ([]storage.MetricSnapshot, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, snapshotsForSQL, casinoID, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]storage.MetricSnapshot, 0)
	for rows.Next() {
		var (
			snap       storage.MetricSnapshot
			start, end int64
		)
		if err := rows.Scan(&snap.CasinoID, &start, &end, &snap.SpinCount, &snap.TotalBet, &snap.TotalWin, &snap.RTP, &snap.MeanNetWin, &snap.Volatility); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.WindowStart = time.UnixMilli(start).UTC()
		snap.WindowEnd = time.UnixMilli(end).UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// InsertSeed appends a seed submission.
func (s *Store) InsertSeed(ctx context.Context, seed storage.SeedSubmission) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}
	if seed.CasinoID == "" || seed.Seed == "" {
		return fmt.Errorf("casino id and seed are required")
	}
	if seed.Timestamp.IsZero() {
		seed.Timestamp = time.Now().UTC()
	}
	if _, err := db.ExecContext(ctx, insertSeedSQL, seed.CasinoID, seed.Seed, seed.SubmittedBy, seed.Timestamp.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert seed: %w", err)
	}
	return nil
}

// SeedsFor lists newest-first seed submissions.
func (s *Store) SeedsFor(ctx context.Context, casinoID string, limit int) ([]storage.SeedSubmission, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := db.QueryContext(ctx, seedsForSQL, casinoID, limit)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	defer rows.Close()

	seeds := make([]storage.SeedSubmission, 0, limit)
	for rows.Next() {
		var (
			seed storage.SeedSubmission
			ts   int64
		)
		if err := rows.Scan(&seed.ID, &seed.CasinoID, &seed.Seed, &seed.SubmittedBy, &ts); err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		seed.Timestamp = time.UnixMilli(ts).UTC()
		seeds = append(seeds, seed)
	}
	return seeds, rows.Err()
}

// InsertAnomaly persists a finding; re-inserting the same id is a no-op.
func (s *Store) InsertAnomaly(ctx context.Context, f storage.AnomalyFinding) (bool, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return false, err
	}
	if f.ID == "" {
		f.ID = storage.FindingID(f.CasinoID, f.Kind, f.Timestamp)
	}
	meta := f.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	res, err := db.ExecContext(ctx, insertAnomalySQL, f.ID, f.CasinoID, string(f.Kind), string(f.Severity), f.Confidence, f.Reason, string(meta), f.Timestamp.UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert anomaly: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecentAnomalies lists newest-first findings for a casino.
func (s *Store) RecentAnomalies(ctx context.Context, casinoID string, limit int) ([]storage.AnomalyFinding, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := db.QueryContext(ctx, recentAnomaliesSQL, casinoID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	defer rows.Close()

	findings := make([]storage.AnomalyFinding, 0, limit)
	for rows.Next() {
		var (
			f              storage.AnomalyFinding
			kind, severity string
			meta           string
			ts             int64
		)
		if err := rows.Scan(&f.ID, &f.CasinoID, &kind, &severity, &f.Confidence, &f.Reason, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		f.Kind = storage.FindingKind(kind)
		f.Severity = storage.Severity(severity)
		f.Metadata = json.RawMessage(meta)
		f.Timestamp = time.UnixMilli(ts).UTC()
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// SaveTrust upserts a trust document.
func (s *Store) SaveTrust(ctx context.Context, doc storage.TrustDocument) error {
	db, err := s.getDB(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, saveTrustSQL, doc.Engine, doc.SubjectID, doc.Score, string(doc.Body), doc.UpdatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("save trust record: %w", err)
	}
	return nil
}

// LoadTrust returns every document for an engine.
func (s *Store) LoadTrust(ctx context.Context, engine string) ([]storage.TrustDocument, error) {
	db, err := s.getDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, loadTrustSQL, engine)
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	defer rows.Close()

	docs := make([]storage.TrustDocument, 0)
	for rows.Next() {
		var (
			doc     storage.TrustDocument
			body    string
			updated int64
		)
		if err := rows.Scan(&doc.Engine, &doc.SubjectID, &doc.Score, &body, &updated); err != nil {
			return nil, fmt.Errorf("scan trust record: %w", err)
		}
		doc.Body = json.RawMessage(body)
		doc.UpdatedAt = time.UnixMilli(updated).UTC()
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func outcomeArgs(rec storage.OutcomeRecord) []any {
	return []any{
		rec.ID,
		rec.CasinoID,
		rec.Timestamp.UTC().UnixMilli(),
		rec.BetAmount,
		rec.WinAmount,
		rec.NetWin,
		rec.OutcomeTag,
	}
}

func scanOutcomes(rows *sql.Rows, capacity int) ([]storage.OutcomeRecord, error) {
	records := make([]storage.OutcomeRecord, 0, capacity)
	for rows.Next() {
		var (
			rec storage.OutcomeRecord
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &rec.CasinoID, &ts, &rec.BetAmount, &rec.WinAmount, &rec.NetWin, &rec.OutcomeTag); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ storage.Store = (*Store)(nil)
