// Package scheduler fires the daily run from a cron expression. Firing is
// at-least-once; duplicate fires for one date are resolved by the run lease.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pep299/daily-digest/internal/model"
)

// Runner runs the pipeline for a date.
type Runner interface {
	Run(ctx context.Context, runDate time.Time) model.RunOutcome
}

// Scheduler triggers Runner on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	loc    *time.Location
	runner Runner
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec (standard five-field cron or a descriptor such as @daily)
// evaluated in loc.
func New(spec string, loc *time.Location, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		loc:    loc,
		runner: runner,
		logger: logger,
		now:    time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	if next := s.Next(); !next.IsZero() {
		s.logger.Info("scheduler started", "next_run", next)
	}
}

// Stop cancels an in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Next returns the next fire time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunDate is the civil date of t in the scheduler's location.
func (s *Scheduler) RunDate(t time.Time) time.Time {
	return model.Day(t.In(s.loc))
}

func (s *Scheduler) fire() {
	runDate := s.RunDate(s.now())
	logger := s.logger.With("run_date", model.DateKey(runDate))
	logger.Info("scheduled run starting")

	out := s.runner.Run(s.ctx, runDate)
	switch out.Status {
	case model.OutcomeFailed:
		logger.Error("scheduled run failed", "reason", out.Reason)
	default:
		logger.Info("scheduled run finished", "status", out.Status, "reason", out.Reason)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
