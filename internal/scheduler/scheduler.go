// Package scheduler drives periodic FlowPipe jobs with cron expressions.
//
// It fires the delayed-continuation tick and the stale-claim sweep of the flow engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultTickSpec runs the continuation tick once a minute.
	DefaultTickSpec = "@every 1m"
	// DefaultSweepSpec runs the stale-claim sweep every five minutes.
	DefaultSweepSpec = "@every 5m"
	// DefaultJobTimeout bounds one tick or sweep.
	DefaultJobTimeout = 5 * time.Minute
)

// Ticker is the periodic work of the flow engine. flow.DelayScheduler implements it.
type Ticker interface {
	Tick(ctx context.Context) (flow.TickStats, error)
	SweepStale(ctx context.Context) (int, error)
}

// Compile-time check that DelayScheduler can be driven.
var _ Ticker = (*flow.DelayScheduler)(nil)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) plus @every descriptors.
	// A run still in progress makes the next one skip rather than overlap.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	c.Start()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleContinuations registers the tick and sweep jobs of t.
// Empty specs fall back to DefaultTickSpec and DefaultSweepSpec.
func (s *Scheduler) ScheduleContinuations(tickSpec, sweepSpec string, t Ticker) error {
	if tickSpec == "" {
		tickSpec = DefaultTickSpec
	}
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSpec
	}
	if err := s.AddJob(tickSpec, func() { s.tick(t) }); err != nil {
		return fmt.Errorf("invalid tick spec %q: %w", tickSpec, err)
	}
	if err := s.AddJob(sweepSpec, func() { s.sweep(t) }); err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", sweepSpec, err)
	}
	slog.Info("Scheduler.ScheduleContinuations: jobs registered", "tickSpec", tickSpec, "sweepSpec", sweepSpec)
	return nil
}

// CatchUp runs one sweep and one tick immediately. Called at startup, it fails claims
// orphaned by a crashed process and resumes continuations that fell due while it was down.
func (s *Scheduler) CatchUp(t Ticker) {
	slog.Info("Scheduler.CatchUp: recovering continuations")
	s.sweep(t)
	s.tick(t)
}

func (s *Scheduler) tick(t Ticker) {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultJobTimeout)
	defer cancel()
	if _, err := t.Tick(ctx); err != nil {
		slog.Error("Scheduler.tick: continuation tick failed", "error", err)
	}
}

func (s *Scheduler) sweep(t Ticker) {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultJobTimeout)
	defer cancel()
	if _, err := t.SweepStale(ctx); err != nil {
		slog.Error("Scheduler.sweep: stale claim sweep failed", "error", err)
	}
}

// Stop stops the cron scheduler, cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
