package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

type countingTicker struct {
	ticks  atomic.Int32
	sweeps atomic.Int32
	err    error
}

func (c *countingTicker) Tick(ctx context.Context) (flow.TickStats, error) {
	c.ticks.Add(1)
	return flow.TickStats{}, c.err
}

func (c *countingTicker) SweepStale(ctx context.Context) (int, error) {
	c.sweeps.Add(1)
	return 0, c.err
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 1m", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a spec", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestScheduleContinuations_InvalidSpec(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.ScheduleContinuations("every minute", "", &countingTicker{}); err == nil {
		t.Error("Expected error for invalid tick spec")
	}
	if err := s.ScheduleContinuations("", "61 * * * *", &countingTicker{}); err == nil {
		t.Error("Expected error for invalid sweep spec")
	}
}

func TestScheduleContinuations_RunsJobs(t *testing.T) {
	s := NewScheduler()
	ticker := &countingTicker{err: errors.New("store down")}
	if err := s.ScheduleContinuations("@every 1s", "@every 1s", ticker); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ticker.ticks.Load() > 0 && ticker.sweeps.Load() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if ticker.ticks.Load() == 0 {
		t.Error("expected at least one tick")
	}
	if ticker.sweeps.Load() == 0 {
		t.Error("expected at least one sweep")
	}
}

func TestCatchUp(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	ticker := &countingTicker{}
	s.CatchUp(ticker)
	if ticker.ticks.Load() != 1 || ticker.sweeps.Load() != 1 {
		t.Errorf("expected one tick and one sweep, got %d and %d", ticker.ticks.Load(), ticker.sweeps.Load())
	}
}
