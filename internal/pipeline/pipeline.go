// Package pipeline decides, for each inbound message, who answers it: a response rule,
// the active flow, a newly triggered flow, a human or the AI generator.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("flowpipe.pipeline")

// Generator produces replies and classifies messages.
type Generator interface {
	flow.TextGenerator
	GenerateStructured(ctx context.Context, name string, schema map[string]any, systemPrompt, prompt string, out any) error
}

// Compile-time check that the OpenAI client satisfies Generator.
var _ Generator = (*genai.Client)(nil)

// ContextProvider returns read-only business context for an organization.
type ContextProvider interface {
	BuildContext(ctx context.Context, orgID string) (string, error)
}

// Canceller cancels the pending continuations of a conversation. flow.DelayScheduler implements it.
type Canceller interface {
	CancelPending(ctx context.Context, conversationID string) (int, error)
}

// Store is the persistence the pipeline reads and writes directly.
type Store interface {
	store.BotConfigRepo
	store.ResponseRuleRepo
	store.ConversationStateRepo
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithGenerator sets the AI generator. Without one, step 9 reports ai_error.
func WithGenerator(g Generator) Option {
	return func(p *Pipeline) { p.gen = g }
}

// WithContextProvider sets the business context source.
func WithContextProvider(c ContextProvider) Option {
	return func(p *Pipeline) { p.context = c }
}

// WithMetrics records pipeline decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLocks overrides the per-conversation locks, which default to those of the Handoffs.
func WithLocks(l *flow.ConversationLocks) Option {
	return func(p *Pipeline) { p.locks = l }
}

// Pipeline is the ordered decision sequence run for every inbound message.
type Pipeline struct {
	store     Store
	machine   *flow.Machine
	matcher   *flow.Matcher
	handoffs  *flow.Handoffs
	canceller Canceller
	gen       Generator
	context   ContextProvider
	metrics   *metrics.Metrics
	now       func() time.Time
	locks     *flow.ConversationLocks
}

// New creates a Pipeline.
func New(st Store, machine *flow.Machine, matcher *flow.Matcher, handoffs *flow.Handoffs, canceller Canceller, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		machine:   machine,
		matcher:   matcher,
		handoffs:  handoffs,
		canceller: canceller,
		now:       time.Now,
	}
	if handoffs != nil {
		p.locks = handoffs.Locks()
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locks == nil {
		p.locks = flow.NewConversationLocks()
	}
	return p
}

// Handle runs the pipeline for msg. Runs for the same conversation never overlap.
// Only invalid input and storage failures are returned as errors.
func (p *Pipeline) Handle(ctx context.Context, msg models.InboundMessage) (models.PipelineResult, error) {
	if err := msg.Validate(); err != nil {
		return models.PipelineResult{}, err
	}
	unlock := p.locks.Lock(msg.ConversationID)
	defer unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("page.id", msg.PageID),
	))
	defer span.End()

	res, err := p.handle(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Pipeline.Handle: failed", "conversationID", msg.ConversationID, "error", err)
		return res, err
	}
	span.SetAttributes(
		attribute.String("pipeline.reason", res.Reason),
		attribute.Bool("pipeline.handled", res.Handled),
	)
	p.metrics.RecordPipeline(res.Reason, res.Handled, time.Since(start))
	slog.Debug("Pipeline.Handle: decided", "conversationID", msg.ConversationID, "reason", res.Reason, "handled", res.Handled)
	return res, nil
}

func (p *Pipeline) handle(ctx context.Context, msg models.InboundMessage) (models.PipelineResult, error) {
	// 1. bot disabled
	bot, err := p.store.GetBotConfig(ctx, msg.PageID)
	if err != nil {
		return models.PipelineResult{}, fmt.Errorf("load bot config %s: %w", msg.PageID, err)
	}
	if bot == nil || !bot.Enabled {
		return notHandled(models.ReasonAIDisabled), nil
	}

	// 2. load state, supersede queued delays
	state, err := p.loadState(ctx, msg, bot)
	if err != nil {
		return models.PipelineResult{}, err
	}
	if _, err := p.canceller.CancelPending(ctx, msg.ConversationID); err != nil {
		return models.PipelineResult{}, err
	}
	now := p.now().UTC()
	state.Context.LastUserMessageAt = &now

	// 3. human mode
	if state.BotMode == models.BotModeHuman {
		return p.finish(ctx, &state, notHandled(models.ReasonHumanHandling))
	}

	// 4. business hours
	open, err := bot.BusinessHours.IsOpen(now)
	if err != nil {
		slog.Warn("Pipeline.handle: invalid business hours, treating as open", "pageID", msg.PageID, "error", err)
	}
	if !open {
		res := notHandled(models.ReasonOutsideBusinessHours)
		if away := strings.TrimSpace(bot.BusinessHours.AwayMessage); away != "" {
			res.Handled = true
			res.Response = away
		}
		return p.finish(ctx, &state, res)
	}

	// 5. response rules
	rule, err := p.matchRule(ctx, msg.PageID, msg.Text)
	if err != nil {
		return models.PipelineResult{}, err
	}
	if rule != nil {
		return p.finish(ctx, &state, models.PipelineResult{Handled: true, Response: rule.Response, Reason: models.ReasonResponseRule})
	}

	// 6. active flow
	if state.InFlow() {
		next, res, err := p.machine.Continue(ctx, state, bot, msg.Text)
		if err != nil {
			return models.PipelineResult{}, err
		}
		state = leaveAbortedFlow(next, res)
		if res.Handled {
			return p.finish(ctx, &state, res)
		}
	}

	// 7. flow triggers
	if bot.FlowsEnabled {
		f, err := p.matcher.Match(ctx, msg.PageID, msg.Text)
		if err != nil {
			return models.PipelineResult{}, err
		}
		if f != nil {
			next, res, err := p.machine.Start(ctx, state, f, bot, msg.Text)
			if err != nil {
				return models.PipelineResult{}, err
			}
			state = leaveAbortedFlow(next, res)
			if res.Handled {
				return p.finish(ctx, &state, res)
			}
		}
	}

	// 8. intent and handoff detection
	in := p.detectIntent(ctx, msg.ConversationID, msg.Text, state.Context.IntentHistory)
	if in.Language != "" {
		state.Context.DetectedLanguage = in.Language
	}
	if reason := handoffReason(bot, msg.Text, in); reason != "" {
		if err := p.handoffs.Handoff(ctx, &state, reason); err != nil {
			return models.PipelineResult{}, err
		}
		res := models.PipelineResult{
			Handled:       true,
			Response:      bot.HandoffText(),
			ShouldHandoff: true,
			HandoffReason: reason,
			Reason:        models.ReasonHandoff,
		}
		p.remember(&state, msg.Text, in, res.Response, now)
		return p.finish(ctx, &state, res)
	}

	// 9. appointment branch, then AI
	if bot.AppointmentSchedulingEnabled && in.Category == IntentAppointment {
		prompt := strings.TrimSpace(bot.AppointmentPrompt)
		if prompt == "" {
			prompt = models.DefaultAppointmentPrompt
		}
		res := models.PipelineResult{Handled: true, Response: prompt, Reason: models.ReasonAppointmentIntent}
		p.remember(&state, msg.Text, in, res.Response, now)
		return p.finish(ctx, &state, res)
	}

	text, err := p.generate(ctx, bot, &state, msg.Text)
	if err != nil {
		slog.Warn("Pipeline.handle: AI generation failed", "conversationID", msg.ConversationID, "error", err)
		p.remember(&state, msg.Text, in, "", now)
		return p.finish(ctx, &state, notHandled(models.ReasonAIError))
	}
	res := models.PipelineResult{Handled: true, Response: text, Reason: models.ReasonAIResponse}
	p.remember(&state, msg.Text, in, text, now)
	return p.finish(ctx, &state, res)
}

func (p *Pipeline) loadState(ctx context.Context, msg models.InboundMessage, bot *models.BotConfig) (models.ConversationState, error) {
	existing, err := p.store.GetConversationState(ctx, msg.ConversationID)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("load conversation %s: %w", msg.ConversationID, err)
	}
	var state models.ConversationState
	if existing != nil {
		state = *existing
	} else {
		orgID := msg.OrgID
		if orgID == "" {
			orgID = bot.OrgID
		}
		state = models.NewConversationState(msg.ConversationID, msg.PageID, orgID, msg.Platform)
		slog.Debug("Pipeline.loadState: new conversation", "conversationID", msg.ConversationID, "pageID", msg.PageID)
	}
	if msg.SenderID != "" {
		state.RecipientID = msg.SenderID
	}
	return state, nil
}

// matchRule returns the highest-priority active rule whose trigger occurs in message.
func (p *Pipeline) matchRule(ctx context.Context, pageID, message string) (*models.ResponseRule, error) {
	rules, err := p.store.ListActiveResponseRules(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("list response rules %s: %w", pageID, err)
	}
	for i := range rules {
		trig := strings.TrimSpace(rules[i].Trigger)
		if trig != "" && util.ContainsFold(message, trig) {
			return &rules[i], nil
		}
	}
	return nil, nil
}

// generate asks the AI generator for a reply with business context and recent history.
func (p *Pipeline) generate(ctx context.Context, bot *models.BotConfig, state *models.ConversationState, message string) (string, error) {
	if p.gen == nil {
		return "", fmt.Errorf("no generator configured")
	}
	system := bot.SystemPrompt
	if p.context != nil {
		bc, err := p.context.BuildContext(ctx, state.OrgID)
		if err != nil {
			slog.Warn("Pipeline.generate: business context unavailable", "orgID", state.OrgID, "error", err)
		} else if strings.TrimSpace(bc) != "" {
			system = joinPrompt(system, "Business context:\n"+bc)
		}
	}
	if lang := state.Context.DetectedLanguage; lang != "" {
		system = joinPrompt(system, "Reply in the language with ISO 639-1 code "+lang+".")
	}

	messages := make([]genai.Message, 0, 2*len(state.Context.IntentHistory)+1)
	for _, rec := range state.Context.IntentHistory {
		messages = append(messages, genai.Message{Role: "user", Content: rec.Message})
		if rec.Response != "" {
			messages = append(messages, genai.Message{Role: "assistant", Content: rec.Response})
		}
	}
	messages = append(messages, genai.Message{Role: "user", Content: message})

	text, err := p.gen.GenerateText(ctx, system, messages, bot.Temperature)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generator returned empty text")
	}
	return text, nil
}

func (p *Pipeline) remember(state *models.ConversationState, message string, in Intent, response string, at time.Time) {
	state.Context.AppendIntent(models.IntentRecord{
		Message:   message,
		Intent:    in.Category,
		Sentiment: in.Sentiment,
		Response:  response,
		Timestamp: at,
	})
}

// finish persists state after a decision.
func (p *Pipeline) finish(ctx context.Context, state *models.ConversationState, res models.PipelineResult) (models.PipelineResult, error) {
	if res.Response != "" {
		now := p.now().UTC()
		state.Context.LastBotMessageAt = &now
	}
	if err := p.store.SaveConversationState(ctx, state); err != nil {
		return models.PipelineResult{}, fmt.Errorf("save conversation %s: %w", state.ConversationID, err)
	}
	return res, nil
}

// leaveAbortedFlow drops the flow pointer after a bound violation so the next
// message does not run into the same broken chain.
func leaveAbortedFlow(state models.ConversationState, res models.PipelineResult) models.ConversationState {
	if res.Handled || state.BotMode != models.BotModeFlow {
		return state
	}
	slog.Warn("Pipeline: flow aborted, falling through", "conversationID", state.ConversationID, "flowID", state.Context.CurrentFlowID, "reason", res.Reason)
	state.ClearFlow()
	state.BotMode = models.BotModeAI
	return state
}

func notHandled(reason string) models.PipelineResult {
	return models.PipelineResult{Handled: false, Reason: reason}
}

func joinPrompt(a, b string) string {
	if strings.TrimSpace(a) == "" {
		return b
	}
	return a + "\n\n" + b
}
