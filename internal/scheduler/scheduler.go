package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rehoboam/internal/logging"
)

// TickFunc is invoked once per cycle.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart executes one cycle immediately after the startup delay.
	RunOnStart bool
}

// Scheduler drives one component's periodic cycle. The next cycle is armed only
// after the previous one returns, so a slow cycle delays its own successor and
// nothing else.
type Scheduler struct {
	opts    Options
	logger  zerolog.Logger
	trigger chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	name := opts.Name
	if name == "" {
		name = "scheduler"
	}
	return &Scheduler{
		opts:    opts,
		logger:  logging.Component(logger, "scheduler").With().Str("loop", name).Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Trigger requests an immediate cycle. Requests made while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, invoking tick every interval until ctx is cancelled.
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

	if s.opts.RunOnStart {
		s.execute(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		var at time.Time
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.trigger:
			timer.Stop()
			at = time.Now().UTC()
			s.logger.Info().Msg("immediate cycle requested")
		case <-timer.C:
			at = s.bucketStart(next)
		}

		s.execute(ctx, tick, at)

		// Re-arm from completion time, never from the missed schedule.
		next = s.nextTick(time.Now().UTC())
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	started := time.Now()
	err := safeTick(ctx, tick, at)
	elapsed := time.Since(started)
	if err != nil {
		s.logger.Error().Err(err).Time("tick", at).Dur("elapsed", elapsed).Msg("tick execution failed")
		return
	}
	s.logger.Debug().Time("tick", at).Dur("elapsed", elapsed).Msg("tick completed")
}

func safeTick(ctx context.Context, tick TickFunc, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return tick(ctx, at)
}

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
