package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/notify"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 10:00 UTC.
var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeGen struct {
	mu         sync.Mutex
	text       string
	err        error
	intent     Intent
	intentErr  error
	systems    []string
	messages   [][]genai.Message
	structured int
	prompts    []string
}

func (f *fakeGen) GenerateText(ctx context.Context, systemPrompt string, messages []genai.Message, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, systemPrompt)
	f.messages = append(f.messages, append([]genai.Message(nil), messages...))
	return f.text, f.err
}

func (f *fakeGen) GenerateStructured(ctx context.Context, name string, schema map[string]any, systemPrompt, prompt string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.structured++
	f.prompts = append(f.prompts, prompt)
	if f.intentErr != nil {
		return f.intentErr
	}
	data, err := json.Marshal(f.intent)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeGen) textCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.systems)
}

type contextFunc func(orgID string) (string, error)

func (c contextFunc) BuildContext(ctx context.Context, orgID string) (string, error) {
	return c(orgID)
}

type fixture struct {
	store     *store.InMemoryStore
	gen       *fakeGen
	handoffs  *flow.Handoffs
	scheduler *flow.DelayScheduler
	p         *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := func() time.Time { return testNow }
	gen := &fakeGen{text: "generated", intent: Intent{Category: IntentGeneral, Sentiment: SentimentNeutral}}
	handoffs := flow.NewHandoffs(st, notify.LogNotifier{}, nil)
	exec := flow.NewExecutor(st, handoffs, flow.WithClock(clock), flow.WithGenerator(gen))
	machine := flow.NewMachine(exec, st)
	sched := flow.NewDelayScheduler(st, machine, messaging.NewMockService(), flow.WithSchedulerClock(clock), flow.WithSchedulerLocks(handoffs.Locks()))
	base := []Option{WithGenerator(gen), WithClock(clock)}
	p := New(st, machine, flow.NewMatcher(st, nil), handoffs, sched, append(base, opts...)...)

	f := &fixture{store: st, gen: gen, handoffs: handoffs, scheduler: sched, p: p}
	f.saveBot(t, func(*models.BotConfig) {})
	return f
}

func (f *fixture) saveBot(t *testing.T, edit func(*models.BotConfig)) {
	t.Helper()
	bot := models.BotConfig{
		PageID:       "page-1",
		OrgID:        "org-1",
		Enabled:      true,
		FlowsEnabled: true,
		FallbackToAI: true,
		SystemPrompt: "You are Acme's assistant.",
	}
	edit(&bot)
	require.NoError(t, f.store.SaveBotConfig(context.Background(), bot))
}

func (f *fixture) saveFlow(t *testing.T, fl models.Flow) {
	t.Helper()
	fl.PageID = "page-1"
	fl.IsActive = true
	require.NoError(t, f.store.SaveFlow(context.Background(), fl))
}

func (f *fixture) state(t *testing.T) *models.ConversationState {
	t.Helper()
	s, err := f.store.GetConversationState(context.Background(), "conv-1")
	require.NoError(t, err)
	return s
}

func (f *fixture) handle(t *testing.T, text string) models.PipelineResult {
	t.Helper()
	res, err := f.p.Handle(context.Background(), inbound(text))
	require.NoError(t, err)
	return res
}

func inbound(text string) models.InboundMessage {
	return models.InboundMessage{
		ConversationID: "conv-1",
		PageID:         "page-1",
		OrgID:          "org-1",
		Platform:       "whatsapp",
		SenderID:       "15551234567",
		Text:           text,
	}
}

func send(text string) models.NodeAction {
	return models.NodeAction{Action: &models.SendMessageAction{Text: text}}
}

func keyword(value string) []models.Trigger {
	return []models.Trigger{{Type: models.TriggerTypeKeyword, Value: value}}
}

func TestHandle_InvalidMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.p.Handle(context.Background(), inbound("   "))
	assert.ErrorIs(t, err, models.ErrEmptyMessage)

	msg := inbound("hi")
	msg.ConversationID = ""
	_, err = f.p.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, models.ErrEmptyConversationID)
}

func TestHandle_BotDisabled(t *testing.T) {
	f := newFixture(t)

	msg := inbound("hi")
	msg.PageID = "page-without-bot"
	res, err := f.p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonAIDisabled, res.Reason)

	f.saveBot(t, func(b *models.BotConfig) { b.Enabled = false })
	res = f.handle(t, "hi")
	assert.Equal(t, models.ReasonAIDisabled, res.Reason)
	assert.Nil(t, f.state(t))
	assert.Zero(t, f.gen.textCalls())
}

func TestHandle_NewMessageCancelsPendingExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.scheduler.Schedule(ctx, "conv-1", "page-1", "drip", "n2", time.Hour, models.ConversationContext{})
		require.NoError(t, err)
	}
	_, err := f.scheduler.Schedule(ctx, "conv-2", "page-1", "drip", "n2", time.Hour, models.ConversationContext{})
	require.NoError(t, err)

	state := models.NewConversationState("conv-1", "page-1", "org-1", "whatsapp")
	state.BotMode = models.BotModeHuman
	require.NoError(t, f.store.SaveConversationState(ctx, &state))

	res := f.handle(t, "hello?")
	assert.Equal(t, models.ReasonHumanHandling, res.Reason)

	pending, err := f.store.ListExecutionsByStatus(ctx, models.ExecutionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "conv-2", pending[0].ConversationID)

	cancelled, err := f.store.ListExecutionsByStatus(ctx, models.ExecutionCancelled, 0)
	require.NoError(t, err)
	assert.Len(t, cancelled, 3)
}

func TestHandle_HumanMode(t *testing.T) {
	f := newFixture(t)
	state := models.NewConversationState("conv-1", "page-1", "org-1", "whatsapp")
	state.BotMode = models.BotModeHuman
	require.NoError(t, f.store.SaveConversationState(context.Background(), &state))

	res := f.handle(t, "are you there?")
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonHumanHandling, res.Reason)
	assert.Zero(t, f.gen.textCalls())
	assert.NotNil(t, f.state(t).Context.LastUserMessageAt)
}

func TestHandle_BusinessHours(t *testing.T) {
	f := newFixture(t)
	hours := models.BusinessHours{
		Enabled:  true,
		Schedule: []models.DayHours{{Day: "tuesday", Open: "09:00", Close: "17:00"}},
	}
	f.saveBot(t, func(b *models.BotConfig) { b.BusinessHours = hours })

	res := f.handle(t, "hi")
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonOutsideBusinessHours, res.Reason)

	hours.AwayMessage = "We're closed, back Tuesday."
	f.saveBot(t, func(b *models.BotConfig) { b.BusinessHours = hours })
	res = f.handle(t, "hi")
	assert.True(t, res.Handled)
	assert.Equal(t, "We're closed, back Tuesday.", res.Response)

	hours.Schedule = append(hours.Schedule, models.DayHours{Day: "mon", Open: "09:00", Close: "17:00"})
	f.saveBot(t, func(b *models.BotConfig) { b.BusinessHours = hours })
	res = f.handle(t, "hi")
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
}

func TestHandle_ResponseRulePriority(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.ReplaceResponseRules(context.Background(), "page-1", []models.ResponseRule{
		{Trigger: "price", Response: "generic prices", Priority: 1, IsActive: true},
		{Trigger: "price list", Response: "the full list", Priority: 5, IsActive: true},
		{Trigger: "send", Response: "inactive", Priority: 9, IsActive: false},
	}))

	res := f.handle(t, "please send the PRICE LIST")
	assert.True(t, res.Handled)
	assert.Equal(t, models.ReasonResponseRule, res.Reason)
	assert.Equal(t, "the full list", res.Response)
	assert.Zero(t, f.gen.textCalls())
}

func TestHandle_FlowTriggerThenContinue(t *testing.T) {
	f := newFixture(t)
	f.saveFlow(t, models.Flow{
		ID:             "demo",
		EntryNodeID:    "entry",
		GlobalTriggers: keyword("demo"),
		Nodes: []models.Node{
			{ID: "entry", Type: models.NodeTypeEntry, Actions: []models.NodeAction{send("Want a demo?")}, NextNodes: []string{"ask"}},
			{ID: "ask", Type: models.NodeTypeCondition, Conditions: []models.Condition{{Expression: "equals:yes", TargetNodeID: "yes"}}, NextNodes: []string{"no"}},
			{ID: "yes", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("Booked!")}},
			{ID: "no", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("Maybe later.")}},
		},
	})

	res := f.handle(t, "I want a DEMO")
	assert.True(t, res.Handled)
	assert.Equal(t, models.ReasonFlowWaiting, res.Reason)
	assert.Equal(t, "Want a demo?", res.Response)
	state := f.state(t)
	assert.Equal(t, models.BotModeFlow, state.BotMode)
	assert.Equal(t, "ask", state.Context.CurrentNodeID)

	res = f.handle(t, "yes")
	assert.Equal(t, "Booked!", res.Response)
	assert.Equal(t, models.BotModeAI, f.state(t).BotMode)
	assert.Zero(t, f.gen.textCalls())

	stored, err := f.store.GetFlow(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TriggerCount)
	assert.Equal(t, int64(1), stored.CompletionCount)
}

func TestHandle_NewMessageSupersedesDelay(t *testing.T) {
	f := newFixture(t)
	f.saveFlow(t, models.Flow{
		ID:             "drip",
		EntryNodeID:    "entry",
		GlobalTriggers: keyword("start"),
		Nodes: []models.Node{
			{ID: "entry", Type: models.NodeTypeEntry, Actions: []models.NodeAction{
				send("Welcome"),
				{Action: &models.DelayAction{Amount: 1, Unit: models.DelayHours}},
			}, NextNodes: []string{"n2"}},
			{ID: "n2", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("Checking in")}},
		},
	})

	res := f.handle(t, "start")
	assert.Equal(t, models.ReasonFlowDelayScheduled, res.Reason)
	pending, err := f.store.ListExecutionsByStatus(context.Background(), models.ExecutionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res = f.handle(t, "I'm here already")
	assert.True(t, res.Handled)
	assert.Equal(t, "Checking in", res.Response)

	pending, err = f.store.ListExecutionsByStatus(context.Background(), models.ExecutionPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandle_FlowsDisabledSkipsTriggers(t *testing.T) {
	f := newFixture(t)
	f.saveBot(t, func(b *models.BotConfig) { b.FlowsEnabled = false })
	f.saveFlow(t, models.Flow{
		ID: "demo", EntryNodeID: "x", GlobalTriggers: keyword("demo"),
		Nodes: []models.Node{{ID: "x", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("flow")}}},
	})

	res := f.handle(t, "demo please")
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
	assert.Equal(t, "generated", res.Response)
}

func TestHandle_AbortedFlowFallsThroughToAI(t *testing.T) {
	f := newFixture(t)
	f.saveFlow(t, models.Flow{
		ID: "loop", EntryNodeID: "a", GlobalTriggers: keyword("loop"),
		Nodes: []models.Node{{ID: "a", Type: models.NodeTypeAction, Actions: []models.NodeAction{
			send("dropped"),
			{Action: &models.GotoNodeAction{TargetNodeID: "a"}},
		}}},
	})

	res := f.handle(t, "loop")
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
	assert.Equal(t, "generated", res.Response)
	state := f.state(t)
	assert.Equal(t, models.BotModeAI, state.BotMode)
	assert.Empty(t, state.Context.CurrentFlowID)
}

func TestHandle_HandoffKeyword(t *testing.T) {
	f := newFixture(t)
	f.saveBot(t, func(b *models.BotConfig) {
		b.HandoffKeywords = []string{"human", "agent"}
		b.HandoffMessage = "Connecting you to a person."
	})

	res := f.handle(t, "let me talk to a HUMAN")
	f.handoffs.Wait()
	assert.True(t, res.Handled)
	assert.True(t, res.ShouldHandoff)
	assert.Equal(t, models.HandoffReasonKeyword, res.HandoffReason)
	assert.Equal(t, models.ReasonHandoff, res.Reason)
	assert.Equal(t, "Connecting you to a person.", res.Response)

	state := f.state(t)
	assert.Equal(t, models.BotModeHuman, state.BotMode)
	rec, err := f.store.GetHandoff(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.HandoffOpen, rec.Status)

	res = f.handle(t, "hello?")
	assert.Equal(t, models.ReasonHumanHandling, res.Reason)
	assert.Zero(t, f.gen.textCalls())
}

func TestHandle_NegativeSentimentHandoff(t *testing.T) {
	f := newFixture(t)
	f.gen.intent = Intent{Category: IntentComplaint, Sentiment: SentimentNegative}

	res := f.handle(t, "this is terrible")
	assert.Equal(t, models.ReasonAIResponse, res.Reason, "sentiment handoff is opt-in")

	f.saveBot(t, func(b *models.BotConfig) { b.HandoffOnNegativeSentiment = true })
	res = f.handle(t, "still terrible")
	f.handoffs.Wait()
	assert.True(t, res.ShouldHandoff)
	assert.Equal(t, models.HandoffReasonNegativeSentiment, res.HandoffReason)
	assert.Equal(t, models.DefaultHandoffMessage, res.Response)
}

func TestHandle_AppointmentIntent(t *testing.T) {
	f := newFixture(t)
	f.saveBot(t, func(b *models.BotConfig) {
		b.AppointmentSchedulingEnabled = true
		b.AppointmentPrompt = "Which time on Tuesday suits you?"
	})
	f.saveFlow(t, models.Flow{
		ID: "pricing", EntryNodeID: "x", GlobalTriggers: keyword("pricing"),
		Nodes: []models.Node{{ID: "x", Type: models.NodeTypeExit, Actions: []models.NodeAction{send("prices")}}},
	})
	f.gen.intent = Intent{Category: IntentAppointment, Sentiment: SentimentPositive, Language: "en"}

	res := f.handle(t, "book an appointment for Tuesday")
	assert.True(t, res.Handled)
	assert.Equal(t, models.ReasonAppointmentIntent, res.Reason)
	assert.Equal(t, "Which time on Tuesday suits you?", res.Response)
	assert.Zero(t, f.gen.textCalls())

	history := f.state(t).Context.IntentHistory
	require.Len(t, history, 1)
	assert.Equal(t, IntentAppointment, history[0].Intent)

	f.saveBot(t, func(b *models.BotConfig) { b.AppointmentSchedulingEnabled = false })
	res = f.handle(t, "book an appointment for Tuesday")
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
}

func TestHandle_AIFallback(t *testing.T) {
	provider := contextFunc(func(orgID string) (string, error) {
		if orgID == "org-1" {
			return "Acme sells bicycles.", nil
		}
		return "", nil
	})
	f := newFixture(t, WithContextProvider(provider))
	f.gen.intent = Intent{Category: IntentQuestion, Sentiment: SentimentNeutral, Language: "DE"}

	res := f.handle(t, "Was kostet ein Fahrrad?")
	assert.True(t, res.Handled)
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
	assert.Equal(t, "generated", res.Response)

	require.Len(t, f.gen.systems, 1)
	assert.Contains(t, f.gen.systems[0], "You are Acme's assistant.")
	assert.Contains(t, f.gen.systems[0], "Business context:\nAcme sells bicycles.")
	assert.Contains(t, f.gen.systems[0], "ISO 639-1 code de.")

	state := f.state(t)
	assert.Equal(t, "de", state.Context.DetectedLanguage)
	require.Len(t, state.Context.IntentHistory, 1)
	assert.Equal(t, "generated", state.Context.IntentHistory[0].Response)
	assert.Equal(t, IntentQuestion, state.Context.IntentHistory[0].Intent)
	require.NotNil(t, state.Context.LastUserMessageAt)
	require.NotNil(t, state.Context.LastBotMessageAt)
	assert.Equal(t, "15551234567", state.RecipientID)

	f.handle(t, "Und ein Helm?")
	require.Len(t, f.gen.messages, 2)
	assert.Equal(t, []genai.Message{
		{Role: "user", Content: "Was kostet ein Fahrrad?"},
		{Role: "assistant", Content: "generated"},
		{Role: "user", Content: "Und ein Helm?"},
	}, f.gen.messages[1])
}

func TestHandle_AIError(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("rate limited")

	res := f.handle(t, "hello")
	assert.False(t, res.Handled)
	assert.Equal(t, models.ReasonAIError, res.Reason)
	assert.Empty(t, res.Response)

	state := f.state(t)
	require.NotNil(t, state)
	require.Len(t, state.Context.IntentHistory, 1)
	assert.Nil(t, state.Context.LastBotMessageAt)
}

func TestHandle_NoGenerator(t *testing.T) {
	f := newFixture(t)
	f.p.gen = nil
	res := f.handle(t, "hello")
	assert.Equal(t, models.ReasonAIError, res.Reason)
}

func TestHandle_IntentDetectionFailureUsesDefaults(t *testing.T) {
	f := newFixture(t)
	f.gen.intentErr = errors.New("bad json")

	res := f.handle(t, "hello")
	assert.Equal(t, models.ReasonAIResponse, res.Reason)
	history := f.state(t).Context.IntentHistory
	require.Len(t, history, 1)
	assert.Equal(t, IntentGeneral, history[0].Intent)
	assert.Equal(t, SentimentNeutral, history[0].Sentiment)
}

func TestHandle_IntentHistoryBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < models.MaxIntentHistory+2; i++ {
		f.handle(t, fmt.Sprintf("message %d", i))
	}
	history := f.state(t).Context.IntentHistory
	require.Len(t, history, models.MaxIntentHistory)
	assert.Equal(t, "message 2", history[0].Message)
	assert.Equal(t, fmt.Sprintf("message %d", models.MaxIntentHistory+1), history[len(history)-1].Message)
}

func TestHandle_IntentDetectionSeesRecentHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < intentHistoryTurns+2; i++ {
		f.handle(t, fmt.Sprintf("message %d", i))
	}

	f.gen.mu.Lock()
	prompts := append([]string(nil), f.gen.prompts...)
	f.gen.mu.Unlock()
	require.Len(t, prompts, intentHistoryTurns+2)
	assert.Equal(t, "message 0", prompts[0])

	last := prompts[len(prompts)-1]
	assert.True(t, strings.HasSuffix(last, fmt.Sprintf("message %d", intentHistoryTurns+1)), last)
	assert.Contains(t, last, fmt.Sprintf("Customer: message %d", intentHistoryTurns))
	assert.Contains(t, last, "Assistant: generated")
	assert.NotContains(t, last, "Customer: message 0\n")
}

func TestHandle_SerializesPerConversation(t *testing.T) {
	f := newFixture(t)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.p.Handle(context.Background(), inbound(fmt.Sprintf("hi %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state := f.state(t)
	assert.Equal(t, int64(n), state.Version)
	assert.Len(t, state.Context.IntentHistory, models.MaxIntentHistory)
	assert.Zero(t, f.p.locks.Size())
}
