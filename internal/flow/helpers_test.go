package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
	systems []string
}

func (f *fakeGenerator) GenerateText(ctx context.Context, systemPrompt string, messages []genai.Message, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, systemPrompt)
	f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	return f.text, f.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(ctx context.Context, orgID, conversationID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, conversationID+":"+reason)
	return nil
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type fixture struct {
	store    *store.InMemoryStore
	notifier *recordingNotifier
	handoffs *Handoffs
	exec     *Executor
	machine  *Machine
	sender   *messaging.MockService
	gen      *fakeGenerator
}

func newFixture(t *testing.T, opts ...ExecutorOption) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	notifier := &recordingNotifier{}
	handoffs := NewHandoffs(st, notifier, nil)
	gen := &fakeGenerator{text: "generated"}
	base := []ExecutorOption{WithClock(func() time.Time { return testNow }), WithGenerator(gen)}
	exec := NewExecutor(st, handoffs, append(base, opts...)...)
	return &fixture{
		store:    st,
		notifier: notifier,
		handoffs: handoffs,
		exec:     exec,
		machine:  NewMachine(exec, st),
		sender:   messaging.NewMockService(),
		gen:      gen,
	}
}

func (f *fixture) saveFlow(t *testing.T, fl models.Flow) *models.Flow {
	t.Helper()
	if fl.PageID == "" {
		fl.PageID = "page-1"
	}
	fl.IsActive = true
	require.NoError(t, f.store.SaveFlow(context.Background(), fl))
	got, err := f.store.GetFlow(context.Background(), fl.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func newState() models.ConversationState {
	s := models.NewConversationState("conv-1", "page-1", "org-1", "whatsapp")
	s.RecipientID = "15551234567"
	return s
}

func send(text string) models.NodeAction {
	return models.NodeAction{Action: &models.SendMessageAction{Text: text}}
}

func gotoNode(id string) models.NodeAction {
	return models.NodeAction{Action: &models.GotoNodeAction{TargetNodeID: id}}
}

func setVar(name string, value any) models.NodeAction {
	return models.NodeAction{Action: &models.SetVariableAction{Name: name, Value: value}}
}

func delay(amount int, unit models.DelayUnit) models.NodeAction {
	return models.NodeAction{Action: &models.DelayAction{Amount: amount, Unit: unit}}
}

func fallbackBot(fallback bool) *models.BotConfig {
	return &models.BotConfig{PageID: "page-1", OrgID: "org-1", Enabled: true, FlowsEnabled: true, FallbackToAI: fallback}
}
