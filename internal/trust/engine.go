package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/bus"
	"fairwatch/internal/faults"
	"fairwatch/internal/storage"
)

// MaxMagnitude bounds a single signal; larger values are clamped.
const MaxMagnitude = 100.0

// Change is one signal to apply to a subject.
type Change struct {
	SubjectID string
	Category  string
	Magnitude float64
	Reason    string
	Severity  int
	// RecoveryAfter schedules the earliest recovery when positive.
	RecoveryAfter time.Duration
	ActorID       string
}

// Update describes an applied change and is published on the bus.
type Update struct {
	SubjectID     string    `json:"subjectId"`
	PreviousScore float64   `json:"previousScore"`
	NewScore      float64   `json:"newScore"`
	Delta         float64   `json:"delta"`
	Severity      int       `json:"severity,omitempty"`
	Category      string    `json:"category"`
	Reason        string    `json:"reason"`
	Band          string    `json:"band"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Options tune an Engine.
type Options struct {
	MaxHistory      int
	RecoveryIdle    time.Duration
	RecoveryMaxRate float64
	RecoveryCeiling float64
	Now             func() time.Time
}

// Engine applies weighted events to subjects under one Policy.
type Engine struct {
	policy Policy
	opts   Options
	store  storage.TrustStore
	pub    bus.Publisher

	mu      sync.RWMutex
	records map[string]*Record
	locks   *storage.Partitions

	recovering atomic.Bool

	logger zerolog.Logger
}

// NewEngine constructs an Engine. store and pub may be nil.
func NewEngine(policy Policy, opts Options, store storage.TrustStore, pub bus.Publisher, logger zerolog.Logger) *Engine {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 100
	}
	if opts.RecoveryIdle <= 0 {
		opts.RecoveryIdle = 24 * time.Hour
	}
	if opts.RecoveryMaxRate <= 0 {
		opts.RecoveryMaxRate = 0.5
	}
	if opts.RecoveryCeiling <= 0 {
		opts.RecoveryCeiling = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		policy:  policy,
		opts:    opts,
		store:   store,
		pub:     pub,
		records: make(map[string]*Record),
		locks:   storage.NewPartitions(),
		logger:  logger.With().Str("component", "trust_"+policy.Name).Logger(),
	}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// Load restores persisted records and re-derives each score from history.
func (e *Engine) Load(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	docs, err := e.store.LoadTrust(ctx, e.policy.Name)
	if err != nil {
		return 0, fmt.Errorf("load %s trust: %w", e.policy.Name, err)
	}
	now := e.opts.Now()
	loaded := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, doc := range docs {
		var rec Record
		if err := json.Unmarshal(doc.Body, &rec); err != nil {
			e.logger.Warn().Err(err).Str("subject", doc.SubjectID).Msg("skipping unreadable trust record")
			continue
		}
		if rec.SubjectID == "" {
			rec.SubjectID = doc.SubjectID
		}
		stored := rec.Score
		rec.Rebuild(e.policy, now)
		if math.Abs(stored-rec.Score) > 1e-6 {
			e.logger.Warn().Str("subject", rec.SubjectID).Float64("stored", stored).
				Float64("derived", rec.Score).Msg("stored score disagrees with history, using history")
		}
		e.records[rec.SubjectID] = &rec
		loaded++
	}
	e.logger.Info().Int("subjects", loaded).Msg("trust records loaded")
	return loaded, nil
}

// Apply weighs and applies a change atomically for its subject, persists
// the record and publishes the update.
func (e *Engine) Apply(ctx context.Context, ch Change) (Update, error) {
	ch.SubjectID = strings.TrimSpace(ch.SubjectID)
	if ch.SubjectID == "" {
		return Update{}, faults.Invalid("subjectId", "required")
	}
	delta, err := e.weigh(&ch)
	if err != nil {
		return Update{}, err
	}

	unlock := e.locks.Lock(ch.SubjectID)
	upd, err := e.applyLocked(ctx, ch, delta)
	unlock()
	if err != nil {
		return Update{}, err
	}

	e.publish(ctx, upd, ch.ActorID)
	return upd, nil
}

// ApplyFunc builds a change from the subject's current score and applies it
// while holding the subject lock, so the change cannot race other updates.
// build returns false to leave the subject untouched.
func (e *Engine) ApplyFunc(ctx context.Context, subjectID string, build func(prev float64) (Change, bool)) (Update, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Update{}, false, faults.Invalid("subjectId", "required")
	}

	unlock := e.locks.Lock(subjectID)
	ch, ok := build(e.Score(subjectID))
	if !ok {
		unlock()
		return Update{}, false, nil
	}
	ch.SubjectID = subjectID
	delta, err := e.weigh(&ch)
	if err != nil {
		unlock()
		return Update{}, false, err
	}
	upd, err := e.applyLocked(ctx, ch, delta)
	unlock()
	if err != nil {
		return Update{}, false, err
	}

	e.publish(ctx, upd, ch.ActorID)
	return upd, true, nil
}

// weigh validates ch, clamps its magnitude and returns the weighted delta.
func (e *Engine) weigh(ch *Change) (float64, error) {
	if math.IsNaN(ch.Magnitude) || math.IsInf(ch.Magnitude, 0) {
		e.logger.Warn().Str("subject", ch.SubjectID).Str("category", ch.Category).Msg("non-finite magnitude dropped")
		return 0, faults.Invalid("magnitude", "not finite")
	}
	weight, ok := e.policy.Weight(ch.Category)
	if !ok {
		e.logger.Warn().Str("subject", ch.SubjectID).Str("category", ch.Category).Msg("unknown trust category dropped")
		return 0, faults.Invalid("category", fmt.Sprintf("unknown %s category %q", e.policy.Name, ch.Category))
	}
	if math.Abs(ch.Magnitude) > MaxMagnitude {
		e.logger.Warn().Str("subject", ch.SubjectID).Float64("magnitude", ch.Magnitude).Msg("magnitude clamped")
		ch.Magnitude = math.Copysign(MaxMagnitude, ch.Magnitude)
	}
	return weight * ch.Magnitude, nil
}

func (e *Engine) applyLocked(ctx context.Context, ch Change, delta float64) (Update, error) {
	now := e.opts.Now().UTC()

	e.mu.RLock()
	current, ok := e.records[ch.SubjectID]
	e.mu.RUnlock()

	var next *Record
	if ok {
		next = current.clone()
	} else {
		next = newRecord(ch.SubjectID, e.policy, now)
	}

	prev := next.Score
	ev := Event{Timestamp: now, Delta: delta, Reason: ch.Reason, Severity: ch.Severity, Category: ch.Category}
	next.History = append(next.History, ev)
	next.Score = clampScore(prev + delta)
	applyComponent(next.Components, e.policy, ev)
	next.LastUpdated = now
	if ch.Category != CategoryRecovery {
		next.LastActivity = now
	}
	if ch.RecoveryAfter > 0 {
		at := now.Add(ch.RecoveryAfter)
		next.RecoveryScheduledAt = &at
	}
	next.prune(e.policy, e.opts.MaxHistory)

	if err := e.persist(ctx, next); err != nil {
		return Update{}, err
	}

	e.mu.Lock()
	e.records[ch.SubjectID] = next
	e.mu.Unlock()

	return Update{
		SubjectID:     ch.SubjectID,
		PreviousScore: prev,
		NewScore:      next.Score,
		Delta:         next.Score - prev,
		Severity:      ch.Severity,
		Category:      ch.Category,
		Reason:        ch.Reason,
		Band:          e.policy.Band(next.Score),
		Source:        e.policy.Source,
		Timestamp:     now,
	}, nil
}

// persist writes the record, retrying once before reporting a PersistenceError.
func (e *Engine) persist(ctx context.Context, rec *Record) error {
	if e.store == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trust record: %w", err)
	}
	doc := storage.TrustDocument{
		Engine:    e.policy.Name,
		SubjectID: rec.SubjectID,
		Score:     rec.Score,
		Body:      body,
		UpdatedAt: rec.LastUpdated,
	}

	err = e.store.SaveTrust(ctx, doc)
	if err == nil {
		return nil
	}
	e.logger.Warn().Err(err).Str("subject", rec.SubjectID).Msg("trust persist failed, retrying")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &faults.PersistenceError{Op: "save " + e.policy.Name + " trust", Err: err}
	}
	if err = e.store.SaveTrust(ctx, doc); err != nil {
		e.logger.Error().Err(err).Str("subject", rec.SubjectID).Msg("trust persist failed after retry")
		return &faults.PersistenceError{Op: "save " + e.policy.Name + " trust", Err: err}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, upd Update, actorID string) {
	if e.pub == nil || e.policy.UpdatedEvent == "" {
		return
	}
	if err := e.pub.Publish(ctx, e.policy.UpdatedEvent, e.policy.Source, upd, actorID); err != nil {
		e.logger.Warn().Err(err).Str("subject", upd.SubjectID).Msg("trust update delivery failed")
	}
}

// Score returns the subject's score, or the policy start for unknown subjects.
func (e *Engine) Score(subjectID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.records[subjectID]; ok {
		return rec.Score
	}
	return e.policy.Start
}

// Record returns a copy of the subject's record.
func (e *Engine) Record(subjectID string) (Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[subjectID]
	if !ok {
		return Record{}, false
	}
	return *rec.clone(), true
}

// Subjects lists known subjects in sorted order.
func (e *Engine) Subjects() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.records))
	for k := range e.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rebuild re-derives a subject's score from its retained history.
func (e *Engine) Rebuild(subjectID string) (float64, bool) {
	unlock := e.locks.Lock(subjectID)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[subjectID]
	if !ok {
		return e.policy.Start, false
	}
	rec.Rebuild(e.policy, e.opts.Now())
	return rec.Score, true
}

// Recover runs one recovery pass. Idle subjects below the recovery ceiling
// move up by at most the configured rate. Overlapping calls are skipped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if !e.recovering.CompareAndSwap(false, true) {
		e.logger.Debug().Msg("recovery already in flight, skipping")
		return 0, nil
	}
	defer e.recovering.Store(false)

	recovered := 0
	var errs []error
	for _, subject := range e.Subjects() {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		upd, ok, err := e.recoverOne(ctx, subject)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered++
			e.publish(ctx, upd, "")
		}
	}
	if recovered > 0 {
		e.logger.Info().Int("subjects", recovered).Msg("trust recovery applied")
	}
	return recovered, errors.Join(errs...)
}

func (e *Engine) recoverOne(ctx context.Context, subject string) (Update, bool, error) {
	unlock := e.locks.Lock(subject)
	defer unlock()

	e.mu.RLock()
	rec, ok := e.records[subject]
	e.mu.RUnlock()
	if !ok {
		return Update{}, false, nil
	}

	now := e.opts.Now()
	if rec.Score >= e.opts.RecoveryCeiling {
		return Update{}, false, nil
	}
	if rec.RecoveryScheduledAt != nil && now.Before(*rec.RecoveryScheduledAt) {
		return Update{}, false, nil
	}
	if rec.RecoveryScheduledAt == nil && now.Sub(rec.LastActivity) < e.opts.RecoveryIdle {
		return Update{}, false, nil
	}

	delta := math.Min(e.opts.RecoveryMaxRate, e.opts.RecoveryCeiling-rec.Score)
	upd, err := e.applyLocked(ctx, Change{
		SubjectID: subject,
		Category:  CategoryRecovery,
		Reason:    "time-based recovery",
	}, delta)
	if err != nil {
		return Update{}, false, err
	}
	return upd, true, nil
}

// Explain lists human-readable reasons for a subject's score, most recent
// signals first.
func (e *Engine) Explain(subjectID string, limit int) []string {
	rec, ok := e.Record(subjectID)
	if !ok {
		return []string{fmt.Sprintf("%s has no recorded signals; score is the %s baseline %.1f", subjectID, e.policy.Name, e.policy.Start)}
	}
	if limit <= 0 {
		limit = 5
	}

	lines := []string{fmt.Sprintf("score %.1f (%s)", rec.Score, e.policy.Band(rec.Score))}

	cats := make([]string, 0, len(rec.Components))
	for c := range rec.Components {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return rec.Components[cats[i]] < rec.Components[cats[j]] })
	for _, c := range cats {
		v := rec.Components[c]
		if v < e.policy.Start {
			lines = append(lines, fmt.Sprintf("%s below baseline: %.1f (%+.1f)", c, v, v-e.policy.Start))
		}
	}

	shown := 0
	for i := len(rec.History) - 1; i >= 0 && shown < limit; i-- {
		ev := rec.History[i]
		line := fmt.Sprintf("%s %+.1f %s: %s", ev.Timestamp.UTC().Format(time.RFC3339), ev.Delta, ev.Category, ev.Reason)
		if ev.Severity > 0 {
			line += fmt.Sprintf(" (severity %d)", ev.Severity)
		}
		lines = append(lines, line)
		shown++
	}
	if rec.Baseline != nil {
		lines = append(lines, fmt.Sprintf("%d older events folded into baseline %.1f", rec.Baseline.Events, rec.Baseline.Score))
	}
	if rec.RecoveryScheduledAt != nil {
		lines = append(lines, "recovery not before "+rec.RecoveryScheduledAt.UTC().Format(time.RFC3339))
	}
	return lines
}
