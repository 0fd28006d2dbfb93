package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fairwatch/internal/storage"
)

const (
	insertOutcomeSQL = `INSERT INTO outcomes (
        id,
        casino_id,
        ts,
        bet_amount,
        win_amount,
        net_win,
        outcome_tag
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	recentOutcomesSQL = `SELECT
        id,
        casino_id,
        ts,
        bet_amount::text,
        win_amount::text,
        net_win::text,
        outcome_tag
    FROM outcomes
    WHERE casino_id = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	rangeOutcomesSQL = `SELECT
        id,
        casino_id,
        ts,
        bet_amount::text,
        win_amount::text,
        net_win::text,
        outcome_tag
    FROM outcomes
    WHERE casino_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts, id;`

	upsertSnapshotSQL = `INSERT INTO metric_snapshots (
        casino_id,
        window_start,
        window_end,
        spin_count,
        total_bet,
        total_win,
        rtp,
        mean_net_win,
        volatility
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (casino_id, window_start) DO UPDATE
    SET
        window_end   = EXCLUDED.window_end,
        spin_count   = EXCLUDED.spin_count,
        total_bet    = EXCLUDED.total_bet,
        total_win    = EXCLUDED.total_win,
        rtp          = EXCLUDED.rtp,
        mean_net_win = EXCLUDED.mean_net_win,
        volatility   = EXCLUDED.volatility;`

	snapshotsForSQL = `SELECT
        casino_id,
        window_start,
        window_end,
        spin_count,
        total_bet::text,
        total_win::text,
        rtp,
        mean_net_win,
        volatility
    FROM metric_snapshots
    WHERE casino_id = $1
      AND window_start >= $2
      AND window_start < $3
    ORDER BY window_start;`

	insertSeedSQL = `INSERT INTO seeds (casino_id, seed, submitted_by, ts) VALUES ($1,$2,$3,$4);`

	seedsForSQL = `SELECT id, casino_id, seed, submitted_by, ts
    FROM seeds
    WHERE casino_id = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	insertAnomalySQL = `INSERT INTO anomalies (
        id,
        casino_id,
        kind,
        severity,
        confidence,
        reason,
        metadata,
        ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	recentAnomaliesSQL = `SELECT id, casino_id, kind, severity, confidence, reason, metadata, ts
    FROM anomalies
    WHERE casino_id = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`

	saveTrustSQL = `INSERT INTO trust_records (engine, subject_id, score, body, updated_at)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (engine, subject_id) DO UPDATE
    SET score      = EXCLUDED.score,
        body       = EXCLUDED.body,
        updated_at = EXCLUDED.updated_at;`

	loadTrustSQL = `SELECT engine, subject_id, score, body, updated_at
    FROM trust_records
    WHERE engine = $1
    ORDER BY subject_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store aggregates access to outcomes, snapshots, findings and trust records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.pool, nil
}

// Insert writes one outcome, ignoring duplicate ids.
func (s *Store) Insert(ctx context.Context, rec storage.OutcomeRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if err := storage.ValidateRecord(rec); err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, insertOutcomeSQL, outcomeArgs(rec)...)
	if execErr != nil {
		return false, fmt.Errorf("insert outcome: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertBatch writes all outcomes in one transaction.
func (s *Store) InsertBatch(ctx context.Context, recs []storage.OutcomeRecord) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := storage.ValidateRecord(rec); err != nil {
			return 0, err
		}
	}

	inserted := 0
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(insertOutcomeSQL, outcomeArgs(rec)...)
		}
		results := tx.SendBatch(ctx, batch)
		for range recs {
			tag, execErr := results.Exec()
			if execErr != nil {
				_ = results.Close()
				return execErr
			}
			if tag.RowsAffected() > 0 {
				inserted++
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return inserted, nil
}

// RecentFor lists newest-first outcomes for a casino.
func (s *Store) RecentFor(ctx context.Context, casinoID string, limit int) ([]storage.OutcomeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, recentOutcomesSQL, casinoID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent outcomes: %w", queryErr)
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

// RangeFor lists outcomes with start <= ts < end, oldest first.
func (s *Store) RangeFor(ctx context.Context, casinoID string, start, end time.Time) ([]storage.OutcomeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, rangeOutcomesSQL, casinoID, start.UTC(), end.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("range outcomes: %w", queryErr)
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

// UpsertSnapshot persists or updates a metric snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, snap storage.MetricSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.CasinoID,
		snap.WindowStart.UTC(),
		snap.WindowEnd.UTC(),
		snap.SpinCount,
		decimal.NewFromFloat(snap.TotalBet).String(),
		decimal.NewFromFloat(snap.TotalWin).String(),
		snap.RTP,
		snap.MeanNetWin,
		snap.Volatility,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// SnapshotsFor lists snapshots whose window starts in [from, to).
func (s *Store) SnapshotsFor(ctx context.Context, casinoID string, from, to time.Time) ([]storage.MetricSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, snapshotsForSQL, casinoID, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]storage.MetricSnapshot, 0)
	for rows.Next() {
		var (
			snap               storage.MetricSnapshot
			totalBet, totalWin string
		)
		if err := rows.Scan(&snap.CasinoID, &snap.WindowStart, &snap.WindowEnd, &snap.SpinCount, &totalBet, &totalWin, &snap.RTP, &snap.MeanNetWin, &snap.Volatility); err != nil {
			return nil, err
		}
		if snap.TotalBet, err = parseAmount(totalBet); err != nil {
			return nil, fmt.Errorf("parse total bet: %w", err)
		}
		if snap.TotalWin, err = parseAmount(totalWin); err != nil {
			return nil, fmt.Errorf("parse total win: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// InsertSeed appends a seed submission.
func (s *Store) InsertSeed(ctx context.Context, seed storage.SeedSubmission) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if seed.Timestamp.IsZero() {
		seed.Timestamp = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, insertSeedSQL, seed.CasinoID, seed.Seed, seed.SubmittedBy, seed.Timestamp.UTC()); execErr != nil {
		return fmt.Errorf("insert seed: %w", execErr)
	}
	return nil
}

// SeedsFor lists newest-first seed submissions.
func (s *Store) SeedsFor(ctx context.Context, casinoID string, limit int) ([]storage.SeedSubmission, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, seedsForSQL, casinoID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list seeds: %w", queryErr)
	}
	defer rows.Close()

	seeds := make([]storage.SeedSubmission, 0, limit)
	for rows.Next() {
		var seed storage.SeedSubmission
		if err := rows.Scan(&seed.ID, &seed.CasinoID, &seed.Seed, &seed.SubmittedBy, &seed.Timestamp); err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return seeds, nil
}

// InsertAnomaly persists a finding; re-inserting the same id is a no-op.
func (s *Store) InsertAnomaly(ctx context.Context, f storage.AnomalyFinding) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if f.ID == "" {
		f.ID = storage.FindingID(f.CasinoID, f.Kind, f.Timestamp)
	}
	meta := []byte(f.Metadata)
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	tag, execErr := pool.Exec(ctx, insertAnomalySQL, f.ID, f.CasinoID, string(f.Kind), string(f.Severity), f.Confidence, f.Reason, meta, f.Timestamp.UTC())
	if execErr != nil {
		return false, fmt.Errorf("insert anomaly: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentAnomalies lists newest-first findings for a casino.
func (s *Store) RecentAnomalies(ctx context.Context, casinoID string, limit int) ([]storage.AnomalyFinding, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, recentAnomaliesSQL, casinoID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	findings := make([]storage.AnomalyFinding, 0, limit)
	for rows.Next() {
		var (
			f              storage.AnomalyFinding
			kind, severity string
			meta           []byte
		)
		if err := rows.Scan(&f.ID, &f.CasinoID, &kind, &severity, &f.Confidence, &f.Reason, &meta, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Kind = storage.FindingKind(kind)
		f.Severity = storage.Severity(severity)
		f.Metadata = json.RawMessage(meta)
		findings = append(findings, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return findings, nil
}

// SaveTrust upserts a trust document.
func (s *Store) SaveTrust(ctx context.Context, doc storage.TrustDocument) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveTrustSQL, doc.Engine, doc.SubjectID, doc.Score, []byte(doc.Body), doc.UpdatedAt.UTC()); execErr != nil {
		return fmt.Errorf("save trust record: %w", execErr)
	}
	return nil
}

// LoadTrust returns every document for an engine.
func (s *Store) LoadTrust(ctx context.Context, engine string) ([]storage.TrustDocument, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, loadTrustSQL, engine)
	if queryErr != nil {
		return nil, fmt.Errorf("load trust records: %w", queryErr)
	}
	defer rows.Close()

	docs := make([]storage.TrustDocument, 0)
	for rows.Next() {
		var (
			doc  storage.TrustDocument
			body []byte
		)
		if err := rows.Scan(&doc.Engine, &doc.SubjectID, &doc.Score, &body, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.Body = json.RawMessage(body)
		docs = append(docs, doc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return docs, nil
}

func outcomeArgs(rec storage.OutcomeRecord) []any {
	return []any{
		rec.ID,
		rec.CasinoID,
		rec.Timestamp.UTC(),
		decimal.NewFromFloat(rec.BetAmount).String(),
		decimal.NewFromFloat(rec.WinAmount).String(),
		decimal.NewFromFloat(rec.NetWin).String(),
		rec.OutcomeTag,
	}
}

func collectOutcomes(rows pgx.Rows) ([]storage.OutcomeRecord, error) {
	records := make([]storage.OutcomeRecord, 0)
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanOutcome(rows pgx.Rows) (storage.OutcomeRecord, error) {
	var (
		rec                    storage.OutcomeRecord
		betStr, winStr, netStr string
	)
	if err := rows.Scan(&rec.ID, &rec.CasinoID, &rec.Timestamp, &betStr, &winStr, &netStr, &rec.OutcomeTag); err != nil {
		return storage.OutcomeRecord{}, err
	}

	var err error
	if rec.BetAmount, err = parseAmount(betStr); err != nil {
		return storage.OutcomeRecord{}, fmt.Errorf("parse bet amount: %w", err)
	}
	if rec.WinAmount, err = parseAmount(winStr); err != nil {
		return storage.OutcomeRecord{}, fmt.Errorf("parse win amount: %w", err)
	}
	if rec.NetWin, err = parseAmount(netStr); err != nil {
		return storage.OutcomeRecord{}, fmt.Errorf("parse net win: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func parseAmount(v string) (float64, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)
