package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/livebell/live"
)

// Scheduler ticks one cron entry per platform.
type Scheduler struct {
	runner    *Runner
	intervals map[live.Platform]time.Duration
	c         *cron.Cron
}

// NewScheduler schedules each platform of runner at its interval. Platforms
// without an interval use fallback.
func NewScheduler(runner *Runner, intervals map[live.Platform]time.Duration, fallback time.Duration) (*Scheduler, error) {
	logger := cronLogger{l: slog.Default().With(slog.String("component", "scheduler"))}
	s := &Scheduler{
		runner:    runner,
		intervals: make(map[live.Platform]time.Duration),
		c:         cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
	for _, p := range runner.Platforms() {
		every := intervals[p]
		if every <= 0 {
			every = fallback
		}
		if every <= 0 {
			return nil, fmt.Errorf("no poll interval for %s", p)
		}
		s.intervals[p] = every
	}
	return s, nil
}

// Start runs a first cycle for every platform immediately, then hands the
// platforms to cron. Jobs use ctx and stop when it ends.
func (s *Scheduler) Start(ctx context.Context) error {
	for p, every := range s.intervals {
		job := cron.FuncJob(func() { s.run(ctx, p) })
		if _, err := s.c.AddJob("@every "+every.String(), job); err != nil {
			return fmt.Errorf("schedule %s: %w", p, err)
		}
		slog.Info("poll scheduled", slog.String("component", "scheduler"), slog.String("platform", string(p)),
			slog.Duration("every", every))
		go s.run(ctx, p)
	}
	s.c.Start()
	return nil
}

// Stop stops scheduling and waits for running cycles until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) run(ctx context.Context, p live.Platform) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.Cycle(ctx, p); errors.Is(err, ErrCycleInFlight) {
		slog.Debug("skipping tick; previous cycle still running", slog.String("component", "scheduler"),
			slog.String("platform", string(p)))
	}
}

// cronLogger routes cron's logs to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{slog.Any("err", err)}, keysAndValues...)...)
}
