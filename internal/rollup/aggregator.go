// Package rollup batches trust deltas into periodic per-subject summaries.
package rollup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/bus"
)

const (
	// BatchesFile is the append-only batch log.
	BatchesFile = "rollup-batches.jsonl"
	// LatestFile holds the most recent batches.
	LatestFile = "trust-rollup-latest.json"

	keepBatches = 24
)

// Entry accumulates the deltas of one subject within a window.
type Entry struct {
	TotalDelta   float64   `json:"totalDelta"`
	Events       int       `json:"events"`
	LastSeverity int       `json:"lastSeverity,omitempty"`
	LastScore    float64   `json:"lastScore"`
	FirstSeen    time.Time `json:"firstSeen"`
}

// Window is one drained buffer.
type Window struct {
	WindowStart time.Time        `json:"windowStart"`
	WindowEnd   time.Time        `json:"windowEnd"`
	Subjects    map[string]Entry `json:"subjects"`
}

// Batch is the result of a flush.
type Batch struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Domain      *Window   `json:"domain,omitempty"`
	Casino      *Window   `json:"casino,omitempty"`
}

// Empty reports whether the batch carries no entries.
func (b Batch) Empty() bool { return b.Domain == nil && b.Casino == nil }

// SnapshotFile is the layout of LatestFile.
type SnapshotFile struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Batches     []Batch   `json:"batches"`
}

// Options configure an Aggregator.
type Options struct {
	Dir              string
	SnapshotInterval time.Duration
	Now              func() time.Time
}

type buffer struct {
	start    time.Time
	subjects map[string]Entry
}

// Aggregator buffers trust.domain.updated and trust.casino.updated events.
type Aggregator struct {
	opts Options
	pub  bus.Publisher

	mu     sync.Mutex
	domain *buffer
	casino *buffer

	fileMu       sync.Mutex
	recent       []Batch
	lastSnapshot time.Time
	// dirty is set while recent holds batches the latest file lacks
	dirty bool

	logger zerolog.Logger
}

// New constructs an Aggregator. An empty Dir disables file output.
func New(opts Options, pub bus.Publisher, logger zerolog.Logger) *Aggregator {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		opts:   opts,
		pub:    pub,
		domain: &buffer{subjects: make(map[string]Entry)},
		casino: &buffer{subjects: make(map[string]Entry)},
		logger: logger.With().Str("component", "trust_rollup").Logger(),
	}
}

// Subscribe attaches the aggregator to the update events.
func (a *Aggregator) Subscribe(sub bus.Subscriber) func() {
	unDomain := sub.Subscribe(bus.TrustDomainUpdated, a.onDomain, "trust-rollup")
	unCasino := sub.Subscribe(bus.TrustCasinoUpdated, a.onCasino, "trust-rollup")
	return func() {
		unDomain()
		unCasino()
	}
}

type updatePayload struct {
	SubjectID  string  `json:"subjectId"`
	Domain     string  `json:"domain"`
	CasinoName string  `json:"casinoName"`
	Delta      float64 `json:"delta"`
	NewScore   float64 `json:"newScore"`
	Severity   int     `json:"severity"`
}

func (a *Aggregator) onDomain(_ context.Context, ev bus.Event) error {
	var p updatePayload
	if err := ev.Decode(&p); err != nil {
		a.logger.Warn().Err(err).Msg("malformed domain update dropped")
		return nil
	}
	subject := p.SubjectID
	if subject == "" {
		subject = p.Domain
	}
	a.Record(true, subject, p.Delta, p.Severity, p.NewScore)
	return nil
}

func (a *Aggregator) onCasino(_ context.Context, ev bus.Event) error {
	var p updatePayload
	if err := ev.Decode(&p); err != nil {
		a.logger.Warn().Err(err).Msg("malformed casino update dropped")
		return nil
	}
	subject := p.SubjectID
	if subject == "" {
		subject = p.CasinoName
	}
	a.Record(false, subject, p.Delta, p.Severity, p.NewScore)
	return nil
}

// Record buffers one delta.
func (a *Aggregator) Record(domain bool, subject string, delta float64, severity int, score float64) {
	if subject == "" {
		return
	}
	now := a.opts.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.casino
	if domain {
		buf = a.domain
	}
	if buf.start.IsZero() {
		buf.start = now
	}
	entry, ok := buf.subjects[subject]
	if !ok {
		entry.FirstSeen = now
	}
	entry.TotalDelta += delta
	entry.Events++
	if severity > 0 {
		entry.LastSeverity = severity
	}
	entry.LastScore = score
	buf.subjects[subject] = entry
}

// Pending reports buffered subject counts.
func (a *Aggregator) Pending() (domains, casinos int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.domain.subjects), len(a.casino.subjects)
}

// Flush drains both buffers, publishes rollups for the non-empty ones and
// records the batch. An empty flush publishes nothing but still catches the
// latest snapshot file up with batches an earlier throttled write skipped.
// The file is rewritten at most once per snapshot interval unless force is
// set.
func (a *Aggregator) Flush(ctx context.Context, force bool) (Batch, error) {
	now := a.opts.Now().UTC()

	a.mu.Lock()
	domain, casino := a.domain, a.casino
	a.domain = &buffer{subjects: make(map[string]Entry)}
	a.casino = &buffer{subjects: make(map[string]Entry)}
	a.mu.Unlock()

	batch := Batch{GeneratedAt: now}
	if len(domain.subjects) > 0 {
		batch.Domain = &Window{WindowStart: domain.start, WindowEnd: now, Subjects: domain.subjects}
	}
	if len(casino.subjects) > 0 {
		batch.Casino = &Window{WindowStart: casino.start, WindowEnd: now, Subjects: casino.subjects}
	}

	if batch.Empty() {
		a.fileMu.Lock()
		dirty := a.dirty
		a.fileMu.Unlock()
		if dirty {
			return batch, a.writeLatest(now, force)
		}
		return batch, nil
	}

	if a.pub != nil {
		if batch.Domain != nil {
			if err := a.pub.Publish(ctx, bus.TrustDomainRollup, "trust-rollup", rollupPayload("domains", batch.Domain), ""); err != nil {
				a.logger.Warn().Err(err).Msg("domain rollup delivery failed")
			}
		}
		if batch.Casino != nil {
			if err := a.pub.Publish(ctx, bus.TrustCasinoRollup, "trust-rollup", rollupPayload("casinos", batch.Casino), ""); err != nil {
				a.logger.Warn().Err(err).Msg("casino rollup delivery failed")
			}
		}
	}

	a.fileMu.Lock()
	a.recent = append(a.recent, batch)
	if len(a.recent) > keepBatches {
		a.recent = a.recent[len(a.recent)-keepBatches:]
	}
	a.dirty = true
	a.fileMu.Unlock()

	if err := a.appendBatch(batch); err != nil {
		return batch, err
	}
	if err := a.writeLatest(now, force); err != nil {
		return batch, err
	}

	d, c := 0, 0
	if batch.Domain != nil {
		d = len(batch.Domain.Subjects)
	}
	if batch.Casino != nil {
		c = len(batch.Casino.Subjects)
	}
	a.logger.Info().Int("domains", d).Int("casinos", c).Msg("trust rollup flushed")
	return batch, nil
}

// ForceSnapshot rewrites the latest snapshot file immediately.
func (a *Aggregator) ForceSnapshot(ctx context.Context) {
	if err := a.writeLatest(a.opts.Now().UTC(), true); err != nil {
		a.logger.Warn().Err(err).Msg("forced rollup snapshot failed")
	}
}

func rollupPayload(key string, w *Window) map[string]any {
	return map[string]any{
		"windowStart": w.WindowStart.UnixMilli(),
		"windowEnd":   w.WindowEnd.UnixMilli(),
		key:           w.Subjects,
	}
}

func (a *Aggregator) appendBatch(batch Batch) error {
	if a.opts.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(a.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create rollup dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(a.opts.Dir, BatchesFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open batch log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return w.Flush()
}

func (a *Aggregator) writeLatest(now time.Time, force bool) error {
	if a.opts.Dir == "" {
		return nil
	}
	a.fileMu.Lock()
	defer a.fileMu.Unlock()

	if !force && !a.lastSnapshot.IsZero() && now.Sub(a.lastSnapshot) < a.opts.SnapshotInterval {
		return nil
	}

	snap := SnapshotFile{GeneratedAt: now, Batches: append([]Batch{}, a.recent...)}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rollup snapshot: %w", err)
	}
	if err := os.MkdirAll(a.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create rollup dir: %w", err)
	}
	target := filepath.Join(a.opts.Dir, LatestFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write rollup snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace rollup snapshot: %w", err)
	}
	a.lastSnapshot = now
	a.dirty = false
	return nil
}

// ReadLatest loads the latest snapshot file from dir.
func ReadLatest(dir string) (SnapshotFile, error) {
	var snap SnapshotFile
	body, err := os.ReadFile(filepath.Join(dir, LatestFile))
	if err != nil {
		return snap, fmt.Errorf("read rollup snapshot: %w", err)
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fmt.Errorf("decode rollup snapshot: %w", err)
	}
	return snap, nil
}
