package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBatchSize is the maximum number of due rows one tick processes.
	DefaultBatchSize = 100
	// DefaultStaleAfter is how long a row may stay processing before the sweep fails it.
	DefaultStaleAfter = 10 * time.Minute
	// StaleClaimError is the lastError of rows failed by the sweep.
	StaleClaimError = "claim expired"
	// SupersededReason is the lastError of continuations dropped because the conversation moved on.
	SupersededReason = "superseded"
)

// TickStats summarizes one Tick.
type TickStats struct {
	Due       int
	Claimed   int
	Skipped   int
	Completed int
	Cancelled int
	Failed    int
}

// SchedulerOption configures a DelayScheduler.
type SchedulerOption func(*DelayScheduler)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) SchedulerOption {
	return func(s *DelayScheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) SchedulerOption {
	return func(s *DelayScheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSchedulerClock overrides time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *DelayScheduler) { s.now = now }
}

// WithSchedulerLocks sets the per-conversation locks held while a continuation resumes.
// Pass the Handoffs' locks so a resume never interleaves with a pipeline run.
func WithSchedulerLocks(l *ConversationLocks) SchedulerOption {
	return func(s *DelayScheduler) {
		if l != nil {
			s.locks = l
		}
	}
}

// WithSchedulerMetrics records scheduler metrics.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *DelayScheduler) { s.metrics = m }
}

// DelayScheduler persists delayed continuations and resumes them when due.
// Several instances may tick against the same store: the conditional claim is the
// only exclusion, so a row is processed at most once.
type DelayScheduler struct {
	store      SchedulerStore
	machine    *Machine
	sender     messaging.Service
	metrics    *metrics.Metrics
	batchSize  int
	staleAfter time.Duration
	locks      *ConversationLocks
	now        func() time.Time
}

// NewDelayScheduler creates a DelayScheduler delivering resumed text through sender.
func NewDelayScheduler(st SchedulerStore, machine *Machine, sender messaging.Service, opts ...SchedulerOption) *DelayScheduler {
	s := &DelayScheduler{
		store:      st,
		machine:    machine,
		sender:     sender,
		batchSize:  DefaultBatchSize,
		staleAfter: DefaultStaleAfter,
		locks:      NewConversationLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule persists a continuation of flowID at nextNodeID after delay and returns its id.
func (s *DelayScheduler) Schedule(ctx context.Context, conversationID, pageID, flowID, nextNodeID string, delay time.Duration, snapshot models.ConversationContext) (string, error) {
	exec := newExecution(conversationID, pageID, flowID, nextNodeID, s.now().Add(delay), snapshot)
	if err := s.store.CreateScheduledExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("schedule continuation: %w", err)
	}
	s.metrics.RecordScheduled()
	slog.Debug("DelayScheduler.Schedule: continuation scheduled", "executionID", exec.ID, "conversationID", conversationID, "scheduledFor", exec.ScheduledFor)
	return exec.ID, nil
}

// CancelPending cancels every pending continuation of the conversation.
func (s *DelayScheduler) CancelPending(ctx context.Context, conversationID string) (int, error) {
	n, err := s.store.CancelPendingForConversation(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending for conversation %s: %w", conversationID, err)
	}
	if n > 0 {
		slog.Debug("DelayScheduler.CancelPending: superseded pending continuations", "conversationID", conversationID, "count", n)
		s.recordN(models.ExecutionCancelled, n)
	}
	return n, nil
}

// CancelPendingForFlow cancels every pending continuation of the flow.
func (s *DelayScheduler) CancelPendingForFlow(ctx context.Context, flowID string) (int, error) {
	n, err := s.store.CancelPendingForFlow(ctx, flowID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending for flow %s: %w", flowID, err)
	}
	if n > 0 {
		slog.Info("DelayScheduler.CancelPendingForFlow: cancelled pending continuations", "flowID", flowID, "count", n)
		s.recordN(models.ExecutionCancelled, n)
	}
	return n, nil
}

// Tick claims and resumes up to one batch of due continuations.
func (s *DelayScheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	start := s.now()
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()
	defer func() { s.metrics.RecordTick(time.Since(start)) }()

	due, err := s.store.ListDueExecutions(ctx, start, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, fmt.Errorf("list due executions: %w", err)
	}
	stats.Due = len(due)

	for i := range due {
		exec := due[i]
		claimed, err := s.store.ClaimExecution(ctx, exec.ID, s.now())
		if err != nil {
			slog.Error("DelayScheduler.Tick: claim failed", "executionID", exec.ID, "error", err)
			stats.Skipped++
			continue
		}
		if !claimed {
			slog.Debug("DelayScheduler.Tick: already claimed elsewhere", "executionID", exec.ID)
			stats.Skipped++
			continue
		}
		stats.Claimed++

		status, err := s.process(ctx, exec)
		if err != nil {
			slog.Error("DelayScheduler.Tick: continuation failed", "executionID", exec.ID, "conversationID", exec.ConversationID, "error", err)
			if ferr := s.store.FailExecution(ctx, exec.ID, err.Error()); ferr != nil {
				slog.Error("DelayScheduler.Tick: marking failed", "executionID", exec.ID, "error", ferr)
			}
			status = models.ExecutionFailed
		}
		switch status {
		case models.ExecutionCompleted:
			stats.Completed++
		case models.ExecutionCancelled:
			stats.Cancelled++
		case models.ExecutionFailed:
			stats.Failed++
		}
		s.metrics.RecordExecutionFinished(string(status))
	}
	span.SetAttributes(
		attribute.Int("scheduler.due", stats.Due),
		attribute.Int("scheduler.claimed", stats.Claimed),
		attribute.Int("scheduler.failed", stats.Failed),
	)
	if stats.Due > 0 {
		slog.Info("DelayScheduler.Tick: processed due continuations", "due", stats.Due, "claimed", stats.Claimed,
			"completed", stats.Completed, "cancelled", stats.Cancelled, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return stats, nil
}

// process resumes one claimed continuation and returns its terminal status.
// A returned error means the caller marks the row failed.
func (s *DelayScheduler) process(ctx context.Context, exec models.ScheduledExecution) (models.ExecutionStatus, error) {
	ctx, span := tracer.Start(ctx, "scheduler.resume", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("flow.id", exec.FlowID),
		attribute.String("node.id", exec.NextNodeID),
	))
	defer span.End()

	status, err := s.resume(ctx, exec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("execution.status", string(status)))
	return status, err
}

func (s *DelayScheduler) resume(ctx context.Context, exec models.ScheduledExecution) (models.ExecutionStatus, error) {
	f, err := s.store.GetFlow(ctx, exec.FlowID)
	if err != nil {
		return "", fmt.Errorf("load flow %s: %w", exec.FlowID, err)
	}
	if f == nil || !f.IsActive {
		return s.cancel(ctx, exec, "flow missing or inactive")
	}

	unlock := s.locks.Lock(exec.ConversationID)
	defer unlock()

	state, err := s.store.GetConversationState(ctx, exec.ConversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation %s: %w", exec.ConversationID, err)
	}
	if state == nil {
		return s.cancel(ctx, exec, "conversation missing")
	}
	if state.BotMode != models.BotModeFlow || state.Context.CurrentFlowID != exec.FlowID {
		return s.cancel(ctx, exec, SupersededReason)
	}

	bot, err := s.store.GetBotConfig(ctx, exec.PageID)
	if err != nil {
		return "", fmt.Errorf("load bot config %s: %w", exec.PageID, err)
	}

	live := state.Clone()
	live.Context.MergeSnapshot(exec.ConversationContext)
	next, res, err := s.machine.Resume(ctx, live, f, bot, exec.NextNodeID)
	if errors.Is(err, store.ErrVersionConflict) {
		return s.cancel(ctx, exec, SupersededReason)
	}
	if err != nil {
		return "", err
	}
	if res.Response != "" {
		now := s.now().UTC()
		next.Context.LastBotMessageAt = &now
	}
	// Another writer changed the conversation while the node ran: drop the turn unsent.
	if err := s.store.SaveConversationState(ctx, &next); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return s.cancel(ctx, exec, SupersededReason)
		}
		return "", fmt.Errorf("save conversation %s: %w", exec.ConversationID, err)
	}
	if !res.Handled && res.Reason != models.ReasonFlowCompleted {
		slog.Warn("DelayScheduler.resume: continuation ended unhandled", "executionID", exec.ID, "reason", res.Reason)
	}

	if res.Response != "" {
		if state.RecipientID == "" {
			slog.Warn("DelayScheduler.resume: no recipient, dropping resumed text", "executionID", exec.ID, "conversationID", exec.ConversationID)
		} else if _, err := s.sender.Send(ctx, state.PageID, state.RecipientID, res.Response); err != nil {
			return "", fmt.Errorf("deliver resumed text: %w", err)
		}
	}

	if err := s.store.CompleteExecution(ctx, exec.ID); err != nil {
		return "", fmt.Errorf("complete execution: %w", err)
	}
	slog.Info("DelayScheduler.resume: continuation completed", "executionID", exec.ID, "conversationID", exec.ConversationID,
		"nextNodeID", exec.NextNodeID, "reason", res.Reason)
	return models.ExecutionCompleted, nil
}

func (s *DelayScheduler) cancel(ctx context.Context, exec models.ScheduledExecution, reason string) (models.ExecutionStatus, error) {
	if err := s.store.CancelExecution(ctx, exec.ID, reason); err != nil {
		return "", fmt.Errorf("cancel execution: %w", err)
	}
	slog.Info("DelayScheduler.resume: continuation cancelled", "executionID", exec.ID, "conversationID", exec.ConversationID, "reason", reason)
	return models.ExecutionCancelled, nil
}

// SweepStale fails rows that stayed processing longer than the stale threshold.
// They are never put back to pending.
func (s *DelayScheduler) SweepStale(ctx context.Context) (int, error) {
	n, err := s.store.FailStaleProcessing(ctx, s.now().Add(-s.staleAfter), StaleClaimError)
	if err != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", err)
	}
	if n > 0 {
		slog.Warn("DelayScheduler.SweepStale: failed expired claims", "count", n)
		s.recordN(models.ExecutionFailed, n)
	}
	return n, nil
}

// Failed lists failed continuations for operators.
func (s *DelayScheduler) Failed(ctx context.Context, limit int) ([]models.ScheduledExecution, error) {
	return s.store.ListExecutionsByStatus(ctx, models.ExecutionFailed, limit)
}

func newExecution(conversationID, pageID, flowID, nextNodeID string, at time.Time, snapshot models.ConversationContext) *models.ScheduledExecution {
	return &models.ScheduledExecution{
		ConversationID:      conversationID,
		PageID:              pageID,
		FlowID:              flowID,
		NextNodeID:          nextNodeID,
		ScheduledFor:        at.UTC(),
		ConversationContext: snapshot.Clone(),
	}
}

func (s *DelayScheduler) recordN(status models.ExecutionStatus, n int) {
	for i := 0; i < n; i++ {
		s.metrics.RecordExecutionFinished(string(status))
	}
}
