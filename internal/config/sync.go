package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// SyncStore is the persistence the Syncer writes definitions to.
type SyncStore interface {
	store.BotConfigRepo
	store.ResponseRuleRepo
	store.FlowRepo
}

// FlowCanceller cancels pending continuations of a flow. flow.DelayScheduler implements it.
type FlowCanceller interface {
	CancelPendingForFlow(ctx context.Context, flowID string) (int, error)
}

// Syncer upserts definitions into the store. Flows that disappear from the
// definitions, or are marked inactive, are deactivated and their pending
// continuations cancelled.
type Syncer struct {
	store     SyncStore
	canceller FlowCanceller

	mu    sync.Mutex
	flows map[string]bool
	pages map[string]bool
}

// NewSyncer creates a Syncer. canceller may be nil.
func NewSyncer(st SyncStore, canceller FlowCanceller) *Syncer {
	return &Syncer{
		store:     st,
		canceller: canceller,
		flows:     make(map[string]bool),
		pages:     make(map[string]bool),
	}
}

// Apply writes defs to the store.
func (s *Syncer) Apply(ctx context.Context, defs *Definitions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make(map[string]bool)
	for _, b := range defs.Bots {
		if err := s.store.SaveBotConfig(ctx, b); err != nil {
			return fmt.Errorf("save bot config %s: %w", b.PageID, err)
		}
		pages[b.PageID] = true
	}

	rules := make(map[string][]models.ResponseRule)
	for _, r := range defs.Rules {
		rules[r.PageID] = append(rules[r.PageID], r)
		pages[r.PageID] = true
	}
	// pages dropped from the file lose their rules too
	for p := range s.pages {
		pages[p] = true
	}
	for p := range pages {
		if err := s.store.ReplaceResponseRules(ctx, p, rules[p]); err != nil {
			return fmt.Errorf("replace response rules %s: %w", p, err)
		}
	}

	current := make(map[string]bool, len(defs.Flows))
	for _, f := range defs.Flows {
		if err := s.store.SaveFlow(ctx, f); err != nil {
			return fmt.Errorf("save flow %s: %w", f.ID, err)
		}
		current[f.ID] = true
		if !f.IsActive {
			s.cancelPending(ctx, f.ID)
		}
	}
	for id := range s.flows {
		if current[id] {
			continue
		}
		if err := s.store.SetFlowActive(ctx, id, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deactivate removed flow %s: %w", id, err)
		}
		slog.Info("Syncer.Apply: flow removed from definitions, deactivated", "flowID", id)
		s.cancelPending(ctx, id)
	}

	s.flows = current
	s.pages = make(map[string]bool, len(pages))
	for p := range pages {
		if len(rules[p]) > 0 || hasBot(defs, p) {
			s.pages[p] = true
		}
	}
	slog.Info("Syncer.Apply: definitions applied", "bots", len(defs.Bots), "rules", len(defs.Rules), "flows", len(defs.Flows))
	return nil
}

func (s *Syncer) cancelPending(ctx context.Context, flowID string) {
	if s.canceller == nil {
		return
	}
	if _, err := s.canceller.CancelPendingForFlow(ctx, flowID); err != nil {
		slog.Error("Syncer.cancelPending: cancelling continuations failed", "flowID", flowID, "error", err)
	}
}

func hasBot(defs *Definitions, pageID string) bool {
	for _, b := range defs.Bots {
		if b.PageID == pageID {
			return true
		}
	}
	return false
}
