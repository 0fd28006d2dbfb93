// Package scheduler runs periodic jobs on aligned intervals.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusy is returned by Fire while the previous run is still in progress.
var ErrBusy = errors.New("job already running")

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives one job. Runs never overlap: a tick that arrives while
// the job is still executing is skipped.
type Scheduler struct {
	opts    Options
	running atomic.Bool
	logger  zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		if err := s.Fire(ctx, bucket, tick); err != nil {
			if errors.Is(err, ErrBusy) {
				s.logger.Warn().Time("bucket", bucket).Msg("previous run still in progress, tick skipped")
			} else {
				s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
			}
		}

		next = next.Add(s.opts.Interval)
	}
}

// Fire runs tick once for bucket unless a run is already in flight.
func (s *Scheduler) Fire(ctx context.Context, bucket time.Time, tick TickFunc) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)

	s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")
	return tick(ctx, bucket)
}

// Interval returns the configured period.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
