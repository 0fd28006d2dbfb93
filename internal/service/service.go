// Package service runs the periodic maintenance jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fairwatch/internal/config"
	"fairwatch/internal/detector"
	"fairwatch/internal/ingest"
	"fairwatch/internal/rollup"
	"fairwatch/internal/scheduler"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
	"fairwatch/internal/trust"
)

// Deps are the components the jobs drive. Nil members disable their job.
type Deps struct {
	Scorer   *trust.Scorer
	Rollup   *rollup.Aggregator
	Detector *detector.Detector
	Pipeline *ingest.Pipeline
	Admitter *session.Admitter
	Locker   storage.AdvisoryLocker
}

type job struct {
	sched *scheduler.Scheduler
	tick  scheduler.TickFunc
}

// Service orchestrates trust recovery, rollup flushes, snapshot summaries
// and session sweeps.
type Service struct {
	deps    Deps
	lockKey int64
	jobs    []job
	logger  zerolog.Logger
}

// New constructs the service. Intervals come from configuration.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	s := &Service{
		deps:    deps,
		lockKey: cfg.Storage.AdvisoryLockKey,
		logger:  logger.With().Str("component", "service").Logger(),
	}

	if deps.Scorer != nil {
		s.add(scheduler.Options{Name: "trust-recovery", Interval: cfg.Trust.RecoveryInterval, AlignToStart: true}, s.RecoverTrust, logger)
	}
	if deps.Rollup != nil {
		s.add(scheduler.Options{Name: "rollup-flush", Interval: cfg.Rollup.FlushInterval}, s.FlushRollup, logger)
	}
	if deps.Detector != nil && deps.Pipeline != nil {
		s.add(scheduler.Options{Name: "snapshot-summary", Interval: deps.Detector.SnapshotWindow(), AlignToStart: true}, s.SummarizeBucket, logger)
	}
	if deps.Admitter != nil && cfg.Session.SweepInterval > 0 {
		s.add(scheduler.Options{Name: "session-sweep", Interval: cfg.Session.SweepInterval}, s.SweepSessions, logger)
	}
	return s
}

func (s *Service) add(opts scheduler.Options, tick scheduler.TickFunc, logger zerolog.Logger) {
	if opts.Interval <= 0 {
		s.logger.Warn().Str("job", opts.Name).Msg("job disabled: interval not positive")
		return
	}
	s.jobs = append(s.jobs, job{sched: scheduler.New(opts, logger), tick: tick})
}

// Run starts every job and blocks until ctx is cancelled. Buffered rollup
// entries are flushed on the way out.
func (s *Service) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return fmt.Errorf("no jobs configured")
	}

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			if err := j.sched.Run(ctx, j.tick); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("job stopped")
			}
		}(j)
	}
	wg.Wait()

	if s.deps.Rollup != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.deps.Rollup.Flush(flushCtx, true); err != nil {
			s.logger.Error().Err(err).Msg("final rollup flush failed")
		}
	}
	return ctx.Err()
}

// RecoverTrust runs one recovery pass. With a shared database only the
// process holding the advisory lock performs it.
func (s *Service) RecoverTrust(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip recovery because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	n, err := s.deps.Scorer.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover trust: %w", err)
	}
	s.logger.Info().Time("bucket", bucket).Int("recovered", n).Msg("trust recovery pass complete")
	return nil
}

// FlushRollup drains the rollup buffers.
func (s *Service) FlushRollup(ctx context.Context, _ time.Time) error {
	_, err := s.deps.Rollup.Flush(ctx, false)
	return err
}

// SummarizeBucket recomputes the bucket that just closed for every casino
// that received outcomes since the previous run.
func (s *Service) SummarizeBucket(ctx context.Context, bucket time.Time) error {
	closed := bucket.Add(-s.deps.Detector.SnapshotWindow())
	var errs []error
	for _, casino := range s.deps.Pipeline.Touched() {
		snap, err := s.deps.Detector.Summarize(ctx, casino, closed)
		if err != nil {
			errs = append(errs, fmt.Errorf("summarize %s: %w", casino, err))
			continue
		}
		s.logger.Info().Str("casino_id", casino).Time("window_start", snap.WindowStart).
			Int("spins", snap.SpinCount).Float64("rtp", snap.RTP).Msg("snapshot summarized")
	}
	return errors.Join(errs...)
}

// SweepSessions drops expired sessions.
func (s *Service) SweepSessions(_ context.Context, _ time.Time) error {
	if n := s.deps.Admitter.Sweep(); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("expired sessions swept")
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
