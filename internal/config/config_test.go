package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
bots:
  - pageId: page-1
    orgId: acme
    enabled: true
    flowsEnabled: true
    fallbackToAi: true
    handoffKeywords: [human, agent]
    businessHours:
      enabled: true
      timezone: Europe/Berlin
      schedule:
        - {day: monday, open: "09:00", close: "17:00"}
rules:
  - pageId: page-1
    trigger: opening hours
    response: We are open 9-5.
    priority: 10
    isActive: true
flows:
  - id: welcome
    pageId: page-1
    entryNodeId: start
    isActive: true
    priority: 5
    globalTriggers:
      - {type: keyword, value: hello, matchMode: starts_with}
    nodes:
      - id: start
        type: entry
        actions:
          - type: send_message
            config: {text: "Hi {{name}}"}
          - type: delay
            config: {amount: 2, unit: hours}
        nextNodes: [follow]
      - id: follow
        type: exit
        actions:
          - type: http_request
            config:
              method: POST
              url: https://api.example.com/hook
              body: {name: "{{name}}", tags: [a, b]}
businessContext:
  acme: Acme sells bicycles.
`

func TestParse(t *testing.T) {
	defs, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, defs.Bots, 1)
	bot := defs.Bots[0]
	assert.Equal(t, "acme", bot.OrgID)
	assert.True(t, bot.FallbackToAI)
	assert.Equal(t, []string{"human", "agent"}, bot.HandoffKeywords)
	assert.Equal(t, "Europe/Berlin", bot.BusinessHours.Timezone)
	require.Len(t, bot.BusinessHours.Schedule, 1)

	require.Len(t, defs.Rules, 1)
	assert.Equal(t, 10, defs.Rules[0].Priority)

	require.Len(t, defs.Flows, 1)
	f := defs.Flows[0]
	assert.Equal(t, []string{"welcome"}, defs.FlowIDs())
	assert.Equal(t, models.MatchModeStartsWith, f.GlobalTriggers[0].MatchMode)
	start, ok := f.Node("start")
	require.True(t, ok)
	require.Len(t, start.Actions, 2)
	assert.Equal(t, &models.SendMessageAction{Text: "Hi {{name}}"}, start.Actions[0].Action)
	assert.Equal(t, &models.DelayAction{Amount: 2, Unit: models.DelayHours}, start.Actions[1].Action)
	assert.True(t, start.EndsWithDelay())

	follow, ok := f.Node("follow")
	require.True(t, ok)
	req, ok := follow.Actions[0].Action.(*models.HTTPRequestAction)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "{{name}}", "tags": []any{"a", "b"}}, req.Body)

	assert.Equal(t, "Acme sells bicycles.", defs.BusinessContext["acme"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   \n"},
		{"not yaml", "bots: [unclosed"},
		{"unknown action", `
flows:
  - id: f
    pageId: p
    entryNodeId: a
    nodes:
      - id: a
        type: entry
        actions: [{type: teleport}]
`},
		{"missing entry node", `
flows:
  - id: f
    pageId: p
    entryNodeId: missing
    nodes: [{id: a, type: entry}]
`},
		{"duplicate flow", `
flows:
  - {id: f, pageId: p, entryNodeId: a, nodes: [{id: a, type: exit}]}
  - {id: f, pageId: p, entryNodeId: a, nodes: [{id: a, type: exit}]}
`},
		{"duplicate bot", `
bots:
  - {pageId: p}
  - {pageId: p}
`},
		{"rule without trigger", `
rules:
  - {pageId: p, response: x}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	defs, err := Parse([]byte(`{"flows":[{"id":"f","pageId":"p","entryNodeId":"a","nodes":[{"id":"a","type":"exit","actions":[{"type":"goto_node","config":{"targetNodeId":"a"}}]}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, &models.GotoNodeAction{TargetNodeID: "a"}, defs.Flows[0].Nodes[0].Actions[0].Action)
}

type recordingCanceller struct {
	mu    sync.Mutex
	flows []string
}

func (c *recordingCanceller) CancelPendingForFlow(ctx context.Context, flowID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows = append(c.flows, flowID)
	return 0, nil
}

func (c *recordingCanceller) Flows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.flows...)
}

func TestSyncer_Apply(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	canceller := &recordingCanceller{}
	s := NewSyncer(st, canceller)

	defs, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, defs))

	bot, err := st.GetBotConfig(ctx, "page-1")
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.Equal(t, "acme", bot.OrgID)

	rules, err := st.ListActiveResponseRules(ctx, "page-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	active, err := st.ListActiveFlows(ctx, "page-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Empty(t, canceller.Flows())

	// second version drops the flow and the rule
	require.NoError(t, s.Apply(ctx, &Definitions{Bots: defs.Bots}))

	active, err = st.ListActiveFlows(ctx, "page-1")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, []string{"welcome"}, canceller.Flows())

	rules, err = st.ListActiveResponseRules(ctx, "page-1")
	require.NoError(t, err)
	assert.Empty(t, rules)

	stored, err := st.GetFlow(ctx, "welcome")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)
}

func TestSyncer_InactiveFlowCancelsPending(t *testing.T) {
	ctx := context.Background()
	canceller := &recordingCanceller{}
	s := NewSyncer(store.NewInMemoryStore(), canceller)

	f := models.Flow{ID: "paused", PageID: "p", EntryNodeID: "a", Nodes: []models.Node{{ID: "a", Type: models.NodeTypeExit}}}
	require.NoError(t, s.Apply(ctx, &Definitions{Flows: []models.Flow{f}}))
	assert.Equal(t, []string{"paused"}, canceller.Flows())
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestFileProvider_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flows.yaml")
	writeFile(t, path, sampleYAML)

	m := metrics.New()
	var mu sync.Mutex
	applied := 0
	apply := func(ctx context.Context, defs *Definitions) error {
		mu.Lock()
		defer mu.Unlock()
		applied++
		return nil
	}
	p, err := NewFileProvider(path, apply, WithDebounce(10*time.Millisecond), WithProviderMetrics(m))
	require.NoError(t, err)
	defer p.Close()

	require.NotNil(t, p.Current())
	text, err := p.BuildContext(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme sells bicycles.", text)

	writeFile(t, path, "businessContext:\n  acme: Acme now sells scooters.\n")
	require.Eventually(t, func() bool {
		text, _ := p.BuildContext(context.Background(), "acme")
		return text == "Acme now sells scooters."
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, applied, 2)
	mu.Unlock()
}

func TestFileProvider_InvalidFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flows.yaml")
	writeFile(t, path, sampleYAML)

	m := metrics.New()
	p, err := NewFileProvider(path, nil, WithProviderMetrics(m))
	require.NoError(t, err)
	defer p.Close()
	before := p.Current()
	require.NotNil(t, before)

	writeFile(t, path, "flows: [{id: broken}]")
	require.Error(t, p.Reload(context.Background()))
	assert.Same(t, before, p.Current())
	// one series per status: the initial success and the failed reload
	n, err := testutil.GatherAndCount(m.Registry(), "flowpipe_config_reloads_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFileProvider_MissingFile(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Nil(t, p.Current())
	text, err := p.BuildContext(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestStaticContext(t *testing.T) {
	c := StaticContext{"acme": "bikes"}
	got, err := c.BuildContext(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "bikes", got)
	got, _ = c.BuildContext(context.Background(), "other")
	assert.Empty(t, got)
}
