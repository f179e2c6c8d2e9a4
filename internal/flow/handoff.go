package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/notify"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultNotifyTimeout bounds one handoff notification.
const DefaultNotifyTimeout = 5 * time.Second

// ErrConversationNotFound is returned when an operator addresses an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// HandoffStore is the persistence Handoffs needs.
type HandoffStore interface {
	store.HandoffRepo
	store.ConversationStateRepo
}

// Handoffs moves conversations between automated and human handling.
// Every route to human mode goes through Handoff: keyword and sentiment triggers,
// handoff actions and flows exhausted with AI fallback disabled.
type Handoffs struct {
	store         HandoffStore
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	notifyTimeout time.Duration
	locks         *ConversationLocks
	wg            sync.WaitGroup
}

// HandoffOption configures Handoffs.
type HandoffOption func(*Handoffs)

// WithLocks sets the per-conversation locks taken by ReturnToBot.
func WithLocks(l *ConversationLocks) HandoffOption {
	return func(h *Handoffs) {
		if l != nil {
			h.locks = l
		}
	}
}

// NewHandoffs creates Handoffs. A nil notifier falls back to notify.LogNotifier.
func NewHandoffs(st HandoffStore, notifier notify.Notifier, m *metrics.Metrics, opts ...HandoffOption) *Handoffs {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	h := &Handoffs{store: st, notifier: notifier, metrics: m, notifyTimeout: DefaultNotifyTimeout, locks: NewConversationLocks()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Locks returns the per-conversation locks shared with the pipeline and the scheduler.
func (h *Handoffs) Locks() *ConversationLocks {
	return h.locks
}

// Handoff flips state to human mode, clears any flow pointer, opens (or reopens)
// the handoff record and notifies operators in the background.
// The caller persists state.
func (h *Handoffs) Handoff(ctx context.Context, state *models.ConversationState, reason string) error {
	state.ClearFlow()
	state.BotMode = models.BotModeHuman
	state.Context.HandoffReason = reason

	rec, err := h.store.OpenHandoff(ctx, models.HandoffRecord{
		OrgID:          state.OrgID,
		PageID:         state.PageID,
		ConversationID: state.ConversationID,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("open handoff for %s: %w", state.ConversationID, err)
	}
	h.metrics.RecordHandoff(reason)
	slog.Info("Handoffs.Handoff: conversation handed to human", "conversationID", state.ConversationID, "reason", reason, "handoffID", rec.ID)

	orgID, convID := state.OrgID, state.ConversationID
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		nctx, cancel := context.WithTimeout(context.Background(), h.notifyTimeout)
		defer cancel()
		if err := h.notifier.Notify(nctx, orgID, convID, reason); err != nil {
			slog.Warn("Handoffs.Handoff: notification failed", "conversationID", convID, "error", err)
		}
	}()
	return nil
}

// ReturnToBot hands a conversation back to automation and closes its handoff record.
func (h *Handoffs) ReturnToBot(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	unlock := h.locks.Lock(conversationID)
	defer unlock()
	state, err := h.store.GetConversationState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrConversationNotFound
	}
	state.BotMode = models.BotModeAI
	state.ClearFlow()
	state.Context.HandoffReason = ""
	if err := h.store.SaveConversationState(ctx, state); err != nil {
		return nil, err
	}
	if err := h.store.CloseHandoff(ctx, conversationID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	slog.Info("Handoffs.ReturnToBot: conversation returned to bot", "conversationID", conversationID)
	return state, nil
}

// Wait blocks until in-flight notifications finish.
func (h *Handoffs) Wait() {
	h.wg.Wait()
}
