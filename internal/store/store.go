// Package store provides storage backends for FlowPipe.
//
// It defines the repositories the flow engine depends on and ships an in-memory
// implementation alongside SQLite and PostgreSQL backends that share one SQL core.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNotFound is returned by mutations that address a row that does not exist.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by SaveConversationState when the stored row changed
// since the caller loaded it.
var ErrVersionConflict = errors.New("conversation state version conflict")

// ErrInvalidTransition is returned when a scheduled execution is not in a state that allows the change.
var ErrInvalidTransition = errors.New("invalid status transition")

// BotConfigRepo stores per-page bot configuration.
type BotConfigRepo interface {
	GetBotConfig(ctx context.Context, pageID string) (*models.BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg models.BotConfig) error
}

// ResponseRuleRepo stores fixed trigger/response pairs.
type ResponseRuleRepo interface {
	// ListActiveResponseRules returns active rules for the page, highest priority first.
	ListActiveResponseRules(ctx context.Context, pageID string) ([]models.ResponseRule, error)
	// ReplaceResponseRules makes rules the complete rule set of the page.
	ReplaceResponseRules(ctx context.Context, pageID string, rules []models.ResponseRule) error
}

// FlowRepo stores flow definitions and their counters.
type FlowRepo interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
	// ListActiveFlows returns active flows for the page, highest priority first.
	ListActiveFlows(ctx context.Context, pageID string) ([]models.Flow, error)
	// SaveFlow upserts the definition; counters are preserved.
	SaveFlow(ctx context.Context, flow models.Flow) error
	SetFlowActive(ctx context.Context, flowID string, active bool) error
	IncrementFlowTriggerCount(ctx context.Context, flowID string) error
	IncrementFlowCompletionCount(ctx context.Context, flowID string) error
}

// ConversationStateRepo stores one state row per conversation.
type ConversationStateRepo interface {
	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	// SaveConversationState writes state when no row exists yet or the stored Version still
	// equals state.Version, then bumps Version and UpdatedAt on state. Otherwise it returns
	// ErrVersionConflict and leaves state untouched.
	SaveConversationState(ctx context.Context, state *models.ConversationState) error
}

// ScheduledExecutionRepo stores delayed flow continuations.
type ScheduledExecutionRepo interface {
	// CreateScheduledExecution inserts exec as pending, assigning ID and timestamps when empty.
	CreateScheduledExecution(ctx context.Context, exec *models.ScheduledExecution) error
	// CancelPendingForConversation cancels every pending row of the conversation.
	CancelPendingForConversation(ctx context.Context, conversationID string) (int, error)
	// CancelPendingForFlow cancels every pending row of the flow.
	CancelPendingForFlow(ctx context.Context, flowID string) (int, error)
	// ListDueExecutions returns up to limit pending rows with scheduledFor <= now, oldest first.
	// limit <= 0 means no limit.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.ScheduledExecution, error)
	// ClaimExecution moves a row from pending to processing in a single conditional write.
	// It returns false when another worker got there first.
	ClaimExecution(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteExecution(ctx context.Context, id string) error
	FailExecution(ctx context.Context, id string, errMsg string) error
	CancelExecution(ctx context.Context, id string, reason string) error
	GetScheduledExecution(ctx context.Context, id string) (*models.ScheduledExecution, error)
	// ListExecutionsByStatus returns rows with status, most recently updated first. limit <= 0 means no limit.
	ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.ScheduledExecution, error)
	// FailStaleProcessing marks rows claimed before staleBefore as failed.
	FailStaleProcessing(ctx context.Context, staleBefore time.Time, errMsg string) (int, error)
}

// HandoffRepo stores human handoff records, one per conversation.
type HandoffRepo interface {
	// OpenHandoff creates the conversation's record or reopens it with a new reason.
	OpenHandoff(ctx context.Context, rec models.HandoffRecord) (*models.HandoffRecord, error)
	CloseHandoff(ctx context.Context, conversationID string) error
	GetHandoff(ctx context.Context, conversationID string) (*models.HandoffRecord, error)
}

// DedupRepo records inbound message ids.
type DedupRepo interface {
	// RecordInbound returns false if messageID was already recorded.
	RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error)
	// ForgetInbound removes messageID so a redelivery is processed again.
	ForgetInbound(ctx context.Context, messageID string) error
}

// Store is everything the engine persists.
type Store interface {
	BotConfigRepo
	ResponseRuleRepo
	FlowRepo
	ConversationStateRepo
	ScheduledExecutionRepo
	HandoffRepo
	DedupRepo
	Close() error
}

// New opens the backend selected by the options: PostgreSQL, SQLite, or in-memory when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
