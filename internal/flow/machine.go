package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Machine owns the flow half of the conversation mode machine:
// entering a flow, continuing from the stored pointer and resuming delayed continuations.
//
//	ai    -> flow   Start (trigger matched)
//	flow  -> ai     flow exhausted with fallbackToAi, flow deleted or deactivated
//	flow  -> human  flow exhausted without fallback, handoff action
type Machine struct {
	exec  *Executor
	flows store.FlowRepo
}

// NewMachine creates a Machine.
func NewMachine(exec *Executor, flows store.FlowRepo) *Machine {
	return &Machine{exec: exec, flows: flows}
}

// Start enters f at its entry node and executes it for message.
func (m *Machine) Start(ctx context.Context, state models.ConversationState, f *models.Flow, bot *models.BotConfig, message string) (models.ConversationState, models.PipelineResult, error) {
	slog.Info("Machine.Start: entering flow", "conversationID", state.ConversationID, "flowID", f.ID, "entryNodeID", f.EntryNodeID)
	state.EnterFlow(f.ID, f.EntryNodeID)
	return m.exec.Run(ctx, state, f, bot, message, f.EntryNodeID)
}

// Continue runs the node the conversation points at. A pointer left on a node that
// ends in a delay means the delay was superseded; the flow continues at the node's successor.
func (m *Machine) Continue(ctx context.Context, state models.ConversationState, bot *models.BotConfig, message string) (models.ConversationState, models.PipelineResult, error) {
	if !state.InFlow() {
		return state, notHandled(models.ReasonFlowNotFound), nil
	}
	flowID, nodeID := state.Context.CurrentFlowID, state.Context.CurrentNodeID
	f, err := m.flows.GetFlow(ctx, flowID)
	if err != nil {
		return state, models.PipelineResult{}, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	if f == nil || !f.IsActive {
		slog.Warn("Machine.Continue: flow missing or inactive, leaving flow", "conversationID", state.ConversationID, "flowID", flowID)
		state.ClearFlow()
		state.BotMode = models.BotModeAI
		return state, notHandled(models.ReasonFlowNotFound), nil
	}
	node, ok := f.Node(nodeID)
	if !ok {
		slog.Warn("Machine.Continue: node missing, leaving flow", "conversationID", state.ConversationID, "flowID", flowID, "nodeID", nodeID)
		state.ClearFlow()
		state.BotMode = models.BotModeAI
		return state, notHandled(models.ReasonNodeNotFound), nil
	}
	if node.EndsWithDelay() {
		if next, ok := node.DefaultNext(); ok {
			slog.Debug("Machine.Continue: delay superseded, continuing at successor", "conversationID", state.ConversationID, "flowID", flowID, "nextNodeID", next)
			state.EnterFlow(f.ID, next)
			return m.exec.Run(ctx, state, f, bot, message, next)
		}
	}
	return m.exec.Run(ctx, state, f, bot, message, nodeID)
}

// Resume executes nodeID of f without an inbound message.
func (m *Machine) Resume(ctx context.Context, state models.ConversationState, f *models.Flow, bot *models.BotConfig, nodeID string) (models.ConversationState, models.PipelineResult, error) {
	state.EnterFlow(f.ID, nodeID)
	return m.exec.Resume(ctx, state, f, bot, nodeID)
}
