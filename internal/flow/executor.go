package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/interpolate"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/safety"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHTTPTimeout bounds one http_request action.
const DefaultHTTPTimeout = 10 * time.Second

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGenerator sets the generator used by ai_node actions.
func WithGenerator(g TextGenerator) ExecutorOption {
	return func(e *Executor) { e.gen = g }
}

// WithHTTPClient replaces the client used by http_request actions.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.http = c }
}

// WithURLGuard replaces safety.CheckURL for http_request actions.
func WithURLGuard(guard func(string) error) ExecutorOption {
	return func(e *Executor) { e.checkURL = guard }
}

// WithMetrics records node and action metrics.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides time.Now for delay scheduling.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs flow nodes against conversation state.
type Executor struct {
	store    ExecutorStore
	handoffs *Handoffs
	gen      TextGenerator
	http     *http.Client
	checkURL func(string) error
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(st ExecutorStore, handoffs *Handoffs, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    st,
		handoffs: handoffs,
		checkURL: safety.CheckURL,
		now:      time.Now,
	}
	e.http = &http.Client{
		Timeout:       DefaultHTTPTimeout,
		Transport:     otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: e.checkRedirect,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// turn carries what stays fixed while one chain of nodes runs.
type turn struct {
	flow    *models.Flow
	bot     *models.BotConfig
	message string
	// awaitInput pauses at a condition node even when it starts the chain.
	awaitInput bool
	visited    map[string]bool
}

func (t *turn) fallbackToAI() bool {
	return t.bot == nil || t.bot.FallbackToAI
}

// Run executes the chain starting at nodeID and returns the updated state.
// Only storage failures are returned as errors; everything else is reported in the result.
func (e *Executor) Run(ctx context.Context, state models.ConversationState, f *models.Flow, bot *models.BotConfig, message, nodeID string) (models.ConversationState, models.PipelineResult, error) {
	t := &turn{flow: f, bot: bot, message: message, visited: make(map[string]bool)}
	return e.executeNode(ctx, t, state, nodeID, 0, false)
}

// Resume executes the chain starting at nodeID with no inbound message, as the scheduler does.
func (e *Executor) Resume(ctx context.Context, state models.ConversationState, f *models.Flow, bot *models.BotConfig, nodeID string) (models.ConversationState, models.PipelineResult, error) {
	t := &turn{flow: f, bot: bot, awaitInput: true, visited: make(map[string]bool)}
	return e.executeNode(ctx, t, state, nodeID, 0, false)
}

func notHandled(reason string) models.PipelineResult {
	return models.PipelineResult{Handled: false, Reason: reason}
}

// executeNode runs one node and whatever it leads to. viaTransition is true when the node
// was selected by a condition or a default edge of the previous node.
func (e *Executor) executeNode(ctx context.Context, t *turn, state models.ConversationState, nodeID string, depth int, viaTransition bool) (models.ConversationState, models.PipelineResult, error) {
	if depth > MaxDepth {
		slog.Warn("Executor.executeNode: max depth exceeded", "flowID", t.flow.ID, "nodeID", nodeID, "depth", depth)
		e.metrics.RecordBoundExceeded(models.ReasonMaxDepthExceeded)
		return state, notHandled(models.ReasonMaxDepthExceeded), nil
	}
	node, ok := t.flow.Node(nodeID)
	if !ok {
		slog.Warn("Executor.executeNode: node not found", "flowID", t.flow.ID, "nodeID", nodeID)
		state.ClearFlow()
		state.BotMode = models.BotModeAI
		return state, notHandled(models.ReasonNodeNotFound), nil
	}
	if node.Type == models.NodeTypeCondition && (viaTransition || (t.awaitInput && depth == 0)) {
		state.EnterFlow(t.flow.ID, node.ID)
		slog.Debug("Executor.executeNode: waiting for input", "flowID", t.flow.ID, "nodeID", node.ID)
		return state, models.PipelineResult{Handled: true, Reason: models.ReasonFlowWaiting}, nil
	}
	if t.visited[nodeID] {
		slog.Warn("Executor.executeNode: circular reference", "flowID", t.flow.ID, "nodeID", nodeID)
		e.metrics.RecordBoundExceeded(models.ReasonCircularReference)
		return state, notHandled(models.ReasonCircularReference), nil
	}
	t.visited[nodeID] = true

	ctx, span := tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("flow.id", t.flow.ID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
		attribute.Int("node.depth", depth),
	))
	defer span.End()

	e.metrics.RecordNode(string(node.Type))
	state = state.Clone()
	state.EnterFlow(t.flow.ID, node.ID)

	state, res, done, err := e.runActions(ctx, t, state, node, depth)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, res, err
	}
	span.SetAttributes(attribute.String("node.outcome", res.Reason))
	if done {
		return state, res, nil
	}

	// res holds the buffer of this node; decide where to go next.
	// Edges keep the goto depth; the visited set bounds them.
	if node.Type != models.NodeTypeExit {
		if next, ok := nextNode(node, t.message, state.Context.Variables); ok {
			sub, subRes, err := e.executeNode(ctx, t, state, next, depth, true)
			if err != nil {
				return sub, subRes, err
			}
			return sub, prepend(res, subRes), nil
		}
	}
	return e.exhaust(ctx, t, state, node, res)
}

// runActions executes the action list of node. done is true when an action ended the turn.
func (e *Executor) runActions(ctx context.Context, t *turn, state models.ConversationState, node *models.Node, depth int) (models.ConversationState, models.PipelineResult, bool, error) {
	var buf []string
	var replies []string
	scope := func() interpolate.Scope {
		return interpolate.Scope{Variables: state.Context.Variables, CollectedInputs: state.Context.CollectedInputs}
	}
	current := func() models.PipelineResult {
		return models.PipelineResult{Response: joinParts(buf), QuickReplies: replies}
	}

	for i, na := range node.Actions {
		status := "ok"
		switch a := na.Action.(type) {
		case *models.SendMessageAction:
			buf = append(buf, interpolate.Interpolate(a.Text, scope()))

		case *models.SendQuickRepliesAction:
			buf = append(buf, interpolate.Interpolate(a.Text, scope()))
			for _, r := range a.Replies {
				replies = append(replies, interpolate.Interpolate(r, scope()))
			}

		case *models.HandoffAction:
			reason := a.Reason
			if reason == "" {
				reason = models.HandoffReasonFlowAction
			}
			if err := e.handoffs.Handoff(ctx, &state, reason); err != nil {
				return state, current(), true, err
			}
			e.metrics.RecordAction(string(a.Type()), status)
			res := current()
			res.Handled = true
			res.ShouldHandoff = true
			res.HandoffReason = reason
			res.Reason = models.ReasonFlowHandoff
			return state, res, true, nil

		case *models.AINodeAction:
			text, err := e.generate(ctx, t, state, a)
			if err != nil {
				status = "error"
				slog.Warn("Executor.runActions: ai_node failed, continuing", "flowID", t.flow.ID, "nodeID", node.ID, "error", err)
				break
			}
			if a.OutputVariable != "" {
				state.Context.SetVariable(a.OutputVariable, text)
			}
			if a.SendToUser {
				buf = append(buf, text)
			}

		case *models.DelayAction:
			next, ok := node.DefaultNext()
			if !ok {
				status = "error"
				slog.Warn("Executor.runActions: delay without successor, skipping", "flowID", t.flow.ID, "nodeID", node.ID)
				break
			}
			d, err := a.Duration()
			if err != nil {
				status = "error"
				slog.Warn("Executor.runActions: invalid delay, skipping", "flowID", t.flow.ID, "nodeID", node.ID, "error", err)
				break
			}
			if i != len(node.Actions)-1 {
				slog.Warn("Executor.runActions: actions after delay are not executed", "flowID", t.flow.ID, "nodeID", node.ID)
			}
			if err := e.scheduleDelay(ctx, t, &state, next, d); err != nil {
				return state, current(), true, err
			}
			e.metrics.RecordAction(string(a.Type()), status)
			res := current()
			res.Handled = true
			res.Reason = models.ReasonFlowDelayScheduled
			return state, res, true, nil

		case *models.SetVariableAction:
			value := a.Value
			if s, ok := value.(string); ok {
				value = interpolate.Interpolate(s, scope())
			}
			state.Context.SetVariable(a.Name, value)

		case *models.HTTPRequestAction:
			if !e.httpRequest(ctx, &state, a) {
				status = "error"
			}

		case *models.GotoNodeAction:
			if err := e.store.SaveConversationState(ctx, &state); err != nil {
				return state, current(), true, fmt.Errorf("flush before goto: %w", err)
			}
			e.metrics.RecordAction(string(a.Type()), status)
			sub, subRes, err := e.executeNode(ctx, t, state, a.TargetNodeID, depth+1, false)
			if err != nil {
				return sub, subRes, true, err
			}
			return sub, prepend(current(), subRes), true, nil

		default:
			status = "error"
			slog.Warn("Executor.runActions: unsupported action", "flowID", t.flow.ID, "nodeID", node.ID, "type", fmt.Sprintf("%T", na.Action))
		}
		if na.Action != nil {
			e.metrics.RecordAction(string(na.Action.Type()), status)
		}
	}
	return state, current(), false, nil
}

// exhaust ends the flow after node: clear the pointer, count the completion and
// fall back to AI or hand off to a human.
func (e *Executor) exhaust(ctx context.Context, t *turn, state models.ConversationState, node *models.Node, res models.PipelineResult) (models.ConversationState, models.PipelineResult, error) {
	state.ClearFlow()
	if err := e.store.IncrementFlowCompletionCount(ctx, t.flow.ID); err != nil {
		slog.Warn("Executor.exhaust: completion count not incremented", "flowID", t.flow.ID, "error", err)
	}
	res.Reason = models.ReasonFlowCompleted
	res.Handled = res.Response != "" || node.Type == models.NodeTypeExit

	if t.fallbackToAI() {
		state.BotMode = models.BotModeAI
		slog.Debug("Executor.exhaust: flow completed, back to AI", "flowID", t.flow.ID, "nodeID", node.ID)
		return state, res, nil
	}
	if err := e.handoffs.Handoff(ctx, &state, models.HandoffReasonFlowExhausted); err != nil {
		return state, res, err
	}
	if res.Response == "" {
		res.Response = t.bot.HandoffText()
	}
	res.Handled = true
	res.ShouldHandoff = true
	res.HandoffReason = models.HandoffReasonFlowExhausted
	slog.Debug("Executor.exhaust: flow completed, handed off", "flowID", t.flow.ID, "nodeID", node.ID)
	return state, res, nil
}

// scheduleDelay flushes state and persists the continuation at next.
// The pointer stays on the delaying node so a newer message can supersede it.
func (e *Executor) scheduleDelay(ctx context.Context, t *turn, state *models.ConversationState, next string, d time.Duration) error {
	if err := e.store.SaveConversationState(ctx, state); err != nil {
		return fmt.Errorf("flush before delay: %w", err)
	}
	exec := newExecution(state.ConversationID, state.PageID, t.flow.ID, next, e.now().Add(d), state.Context)
	if err := e.store.CreateScheduledExecution(ctx, exec); err != nil {
		return fmt.Errorf("schedule continuation: %w", err)
	}
	e.metrics.RecordScheduled()
	slog.Info("Executor.scheduleDelay: continuation scheduled", "executionID", exec.ID, "conversationID", state.ConversationID,
		"flowID", t.flow.ID, "nextNodeID", next, "scheduledFor", exec.ScheduledFor)
	return nil
}

func (e *Executor) generate(ctx context.Context, t *turn, state models.ConversationState, a *models.AINodeAction) (string, error) {
	if e.gen == nil {
		return "", fmt.Errorf("no generator configured")
	}
	scope := interpolate.Scope{Variables: state.Context.Variables, CollectedInputs: state.Context.CollectedInputs}
	prompt := interpolate.Interpolate(a.Prompt, scope)
	var system string
	var temperature float64
	if t.bot != nil {
		system = t.bot.SystemPrompt
		temperature = t.bot.Temperature
	}
	if a.Temperature != nil {
		temperature = *a.Temperature
	}
	messages := []genai.Message{{Role: "user", Content: prompt}}
	if t.message != "" {
		messages = []genai.Message{{Role: "user", Content: t.message}, {Role: "user", Content: prompt}}
	}
	return e.gen.GenerateText(ctx, system, messages, temperature)
}

// prepend puts the output of an earlier node in front of a later result.
// Bound violations and missing nodes discard the earlier output.
func prepend(earlier, later models.PipelineResult) models.PipelineResult {
	if !later.Handled {
		switch later.Reason {
		case models.ReasonMaxDepthExceeded, models.ReasonCircularReference, models.ReasonNodeNotFound:
			return later
		}
	}
	later.Response = joinParts([]string{earlier.Response, later.Response})
	if len(earlier.QuickReplies) > 0 {
		later.QuickReplies = append(append([]string(nil), earlier.QuickReplies...), later.QuickReplies...)
	}
	if later.Response != "" {
		later.Handled = true
	}
	return later
}
