package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) scheduler(at time.Time) *DelayScheduler {
	return NewDelayScheduler(f.store, f.machine, f.sender, WithSchedulerClock(func() time.Time { return at }))
}

// startDrip enters the drip flow and persists the resulting state the way the pipeline does.
func (f *fixture) startDrip(t *testing.T, fl models.Flow) models.ConversationState {
	t.Helper()
	stored := f.saveFlow(t, fl)
	state, res, err := f.machine.Start(context.Background(), newState(), stored, nil, "start")
	require.NoError(t, err)
	require.Equal(t, models.ReasonFlowDelayScheduled, res.Reason)
	require.NoError(t, f.store.SaveConversationState(context.Background(), &state))
	return state
}

func (f *fixture) onlyExecution(t *testing.T) models.ScheduledExecution {
	t.Helper()
	var all []models.ScheduledExecution
	for _, s := range []models.ExecutionStatus{models.ExecutionPending, models.ExecutionProcessing, models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled} {
		rows, err := f.store.ListExecutionsByStatus(context.Background(), s, 0)
		require.NoError(t, err)
		all = append(all, rows...)
	}
	require.Len(t, all, 1)
	return all[0]
}

func TestDelayScheduler_TickResumesAtSuccessor(t *testing.T) {
	f := newFixture(t)
	f.startDrip(t, dripFlow())

	early, err := f.scheduler(testNow.Add(30*time.Minute)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, early.Due)
	assert.Empty(t, f.sender.Sent())

	stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Due: 1, Claimed: 1, Completed: 1}, stats)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Checking in", sent[0].Text)
	assert.Equal(t, "page-1", sent[0].PageID)
	assert.Equal(t, "15551234567", sent[0].RecipientID)

	exec := f.onlyExecution(t)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.Attempts)

	state, err := f.store.GetConversationState(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotModeAI, state.BotMode)
	assert.Empty(t, state.Context.CurrentFlowID)
	require.NotNil(t, state.Context.LastBotMessageAt)

	again, err := f.scheduler(testNow.Add(2*time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Due)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestDelayScheduler_ResumeRestoresSnapshotVariables(t *testing.T) {
	f := newFixture(t)
	fl := dripFlow()
	fl.Nodes[0].Actions = []models.NodeAction{setVar("coupon", "SAVE10"), delay(5, models.DelayMinutes)}
	fl.Nodes[1].Actions = []models.NodeAction{send("Your code: {{coupon}}")}
	state := f.startDrip(t, fl)

	// A later turn that did not touch the flow dropped the variable from the live state.
	delete(state.Context.Variables, "coupon")
	require.NoError(t, f.store.SaveConversationState(context.Background(), &state))

	_, err := f.scheduler(testNow.Add(5*time.Minute)).Tick(context.Background())
	require.NoError(t, err)
	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Your code: SAVE10", sent[0].Text)
}

func TestDelayScheduler_ResumePausesAtCondition(t *testing.T) {
	f := newFixture(t)
	fl := dripFlow()
	fl.Nodes[1] = models.Node{ID: "n2", Type: models.NodeTypeCondition,
		Conditions: []models.Condition{{Expression: "equals:yes", TargetNodeID: "done"}}}
	fl.Nodes = append(fl.Nodes, models.Node{ID: "done", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("Done")}})
	f.startDrip(t, fl)

	stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Empty(t, f.sender.Sent())

	state, err := f.store.GetConversationState(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotModeFlow, state.BotMode)
	assert.Equal(t, "n2", state.Context.CurrentNodeID)
}

func TestDelayScheduler_CancelsWhenConversationLeftFlow(t *testing.T) {
	f := newFixture(t)
	state := f.startDrip(t, dripFlow())

	state.ClearFlow()
	state.BotMode = models.BotModeAI
	require.NoError(t, f.store.SaveConversationState(context.Background(), &state))

	stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Empty(t, f.sender.Sent())

	exec := f.onlyExecution(t)
	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	assert.Equal(t, "superseded", exec.LastError)
}

func TestDelayScheduler_CancelsWhenFlowDeactivated(t *testing.T) {
	f := newFixture(t)
	f.startDrip(t, dripFlow())
	require.NoError(t, f.store.SetFlowActive(context.Background(), "drip", false))

	stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, models.ExecutionCancelled, f.onlyExecution(t).Status)
}

func TestDelayScheduler_SendFailureFailsRow(t *testing.T) {
	f := newFixture(t)
	f.startDrip(t, dripFlow())
	f.sender.Err = errors.New("provider down")
	s := f.scheduler(testNow.Add(time.Hour))

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	exec := f.onlyExecution(t)
	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.LastError, "provider down")

	failed, err := s.Failed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, exec.ID, failed[0].ID)

	// Failures are terminal.
	later, err := f.scheduler(testNow.Add(3 * time.Hour)).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, later.Due)
}

func TestDelayScheduler_ConcurrentTicksDeliverOnce(t *testing.T) {
	f := newFixture(t)
	f.startDrip(t, dripFlow())

	const workers = 4
	var wg sync.WaitGroup
	results := make([]TickStats, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(context.Background())
			assert.NoError(t, err)
			results[i] = stats
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, r := range results {
		completed += r.Completed
	}
	assert.Equal(t, 1, completed)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestDelayScheduler_SweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := newExecution("conv-1", "page-1", "drip", "n2", testNow, models.ConversationContext{})
	fresh := newExecution("conv-2", "page-1", "drip", "n2", testNow, models.ConversationContext{})
	require.NoError(t, f.store.CreateScheduledExecution(ctx, old))
	require.NoError(t, f.store.CreateScheduledExecution(ctx, fresh))

	claimed, err := f.store.ClaimExecution(ctx, old.ID, testNow)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.store.ClaimExecution(ctx, fresh.ID, testNow.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := f.scheduler(testNow.Add(11*time.Minute)).SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetScheduledExecution(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, StaleClaimError, got.LastError)

	got, err = f.store.GetScheduledExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionProcessing, got.Status)
}

func TestDelayScheduler_CancelPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(testNow)

	_, err := s.Schedule(ctx, "conv-1", "page-1", "a", "n2", time.Minute, models.ConversationContext{})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, "conv-2", "page-1", "a", "n2", time.Minute, models.ConversationContext{})
	require.NoError(t, err)
	id, err := s.Schedule(ctx, "conv-1", "page-1", "b", "n2", time.Hour, models.ConversationContext{})
	require.NoError(t, err)

	got, err := f.store.GetScheduledExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.ScheduledFor.Equal(testNow.Add(time.Hour)))

	n, err := s.CancelPendingForFlow(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CancelPending(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.store.ListExecutionsByStatus(ctx, models.ExecutionPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// blockingGenerator parks every call until release is closed.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *blockingGenerator) GenerateText(ctx context.Context, systemPrompt string, messages []genai.Message, temperature float64) (string, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "late reply", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func aiDripFlow() models.Flow {
	fl := dripFlow()
	fl.Nodes[1].Actions = []models.NodeAction{{Action: &models.AINodeAction{Prompt: "follow up", SendToUser: true}}}
	return fl
}

func TestDelayScheduler_ResumeYieldsToConcurrentHandoff(t *testing.T) {
	gen := newBlockingGenerator()
	f := newFixture(t, WithGenerator(gen))
	f.startDrip(t, aiDripFlow())
	ctx := context.Background()

	type tickResult struct {
		stats TickStats
		err   error
	}
	done := make(chan tickResult, 1)
	go func() {
		stats, err := f.scheduler(testNow.Add(time.Hour)).Tick(ctx)
		done <- tickResult{stats, err}
	}()

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("continuation never reached the generator")
	}

	// An agent takes over while the AI node is still generating.
	state, err := f.store.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, f.handoffs.Handoff(ctx, state, "agent takeover"))
	require.NoError(t, f.store.SaveConversationState(ctx, state))
	close(gen.release)

	var res tickResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.stats.Cancelled)
	assert.Zero(t, res.stats.Completed)
	assert.Empty(t, f.sender.Sent())

	stored, err := f.store.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotModeHuman, stored.BotMode)
	assert.Equal(t, "agent takeover", stored.Context.HandoffReason)
	assert.Empty(t, stored.Context.CurrentFlowID)

	exec := f.onlyExecution(t)
	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	assert.Equal(t, SupersededReason, exec.LastError)
	f.handoffs.Wait()
}

func TestDelayScheduler_ReturnToBotWaitsForResume(t *testing.T) {
	gen := newBlockingGenerator()
	f := newFixture(t, WithGenerator(gen))
	f.startDrip(t, aiDripFlow())
	ctx := context.Background()
	sched := NewDelayScheduler(f.store, f.machine, f.sender,
		WithSchedulerClock(func() time.Time { return testNow.Add(time.Hour) }),
		WithSchedulerLocks(f.handoffs.Locks()))

	ticked := make(chan error, 1)
	go func() {
		_, err := sched.Tick(ctx)
		ticked <- err
	}()
	<-gen.started

	returned := make(chan error, 1)
	go func() {
		_, err := f.handoffs.ReturnToBot(ctx, "conv-1")
		returned <- err
	}()
	select {
	case <-returned:
		t.Fatal("ReturnToBot ran while the continuation held the conversation")
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.release)
	require.NoError(t, <-ticked)
	require.NoError(t, <-returned)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "late reply", sent[0].Text)
	assert.Equal(t, models.ExecutionCompleted, f.onlyExecution(t).Status)

	stored, err := f.store.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.BotModeAI, stored.BotMode)
	assert.Empty(t, stored.Context.CurrentFlowID)
}
