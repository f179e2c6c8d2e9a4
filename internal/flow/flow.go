// Package flow executes authored conversation flows.
//
// A flow is a graph of nodes. The Executor runs one node's actions and follows
// conditions and default edges; the Machine decides where a turn starts; the
// Matcher picks the flow an inbound message triggers; the DelayScheduler persists
// and later resumes delayed continuations.
package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"go.opentelemetry.io/otel"
)

// MaxDepth bounds goto_node recursion and transition chains within one turn.
const MaxDepth = 50

var tracer = otel.Tracer("flowpipe.flow")

// TextGenerator produces free-form text for ai_node actions.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt string, messages []genai.Message, temperature float64) (string, error)
}

// Compile-time check that the OpenAI client satisfies TextGenerator.
var _ TextGenerator = (*genai.Client)(nil)

// ExecutorStore is the persistence the Executor needs.
type ExecutorStore interface {
	store.FlowRepo
	store.ConversationStateRepo
	store.ScheduledExecutionRepo
}

// SchedulerStore is the persistence the DelayScheduler needs.
type SchedulerStore interface {
	store.BotConfigRepo
	store.FlowRepo
	store.ConversationStateRepo
	store.ScheduledExecutionRepo
}

// joinParts joins non-empty fragments with a blank line.
func joinParts(parts []string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
