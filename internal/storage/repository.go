package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotConfigured indicates the backing database was not initialised.
	ErrNotConfigured = errors.New("storage: database not configured")
)

// OutcomeStore persists normalized outcomes.
type OutcomeStore interface {
	// Insert ignores duplicate ids and reports whether a row was written.
	Insert(ctx context.Context, rec OutcomeRecord) (bool, error)
	// InsertBatch writes all records in one transaction and returns the number of new rows.
	InsertBatch(ctx context.Context, recs []OutcomeRecord) (int, error)
	RecentFor(ctx context.Context, casinoID string, limit int) ([]OutcomeRecord, error)
	RangeFor(ctx context.Context, casinoID string, start, end time.Time) ([]OutcomeRecord, error)
}

// SnapshotStore persists metric snapshots.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap MetricSnapshot) error
	SnapshotsFor(ctx context.Context, casinoID string, from, to time.Time) ([]MetricSnapshot, error)
}

// SeedStore persists the seed audit trail.
type SeedStore interface {
	InsertSeed(ctx context.Context, seed SeedSubmission) error
	SeedsFor(ctx context.Context, casinoID string, limit int) ([]SeedSubmission, error)
}

// AnomalyStore persists detector findings.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, finding AnomalyFinding) (bool, error)
	RecentAnomalies(ctx context.Context, casinoID string, limit int) ([]AnomalyFinding, error)
}

// TrustStore persists trust records.
type TrustStore interface {
	SaveTrust(ctx context.Context, doc TrustDocument) error
	LoadTrust(ctx context.Context, engine string) ([]TrustDocument, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern.
type Store interface {
	OutcomeStore
	SnapshotStore
	SeedStore
	AnomalyStore
	TrustStore
	Close() error
}

// Partitions hands out one mutex per key so writes for the same casino are
// serialized while different casinos proceed in parallel.
type Partitions struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPartitions constructs an empty partition set.
func NewPartitions() *Partitions {
	return &Partitions{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the partition for key and returns its release func.
func (p *Partitions) Lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ValidateRecord checks the fields every backend requires.
func ValidateRecord(rec OutcomeRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("outcome id is required")
	}
	if rec.CasinoID == "" {
		return fmt.Errorf("casino id is required")
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// FindingID derives the idempotency key of a finding.
func FindingID(casinoID string, kind FindingKind, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%d", casinoID, kind, ts.UTC().UnixMilli())
}
