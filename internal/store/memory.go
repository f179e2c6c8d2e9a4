package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used in tests and
// when no database is configured; all values are copied on the way in and out.
type InMemoryStore struct {
	mu         sync.Mutex
	configs    map[string]models.BotConfig
	rules      map[string][]models.ResponseRule
	flows      map[string]models.Flow
	states     map[string]models.ConversationState
	executions map[string]models.ScheduledExecution
	handoffs   map[string]models.HandoffRecord
	inbound    map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		configs:    make(map[string]models.BotConfig),
		rules:      make(map[string][]models.ResponseRule),
		flows:      make(map[string]models.Flow),
		states:     make(map[string]models.ConversationState),
		executions: make(map[string]models.ScheduledExecution),
		handoffs:   make(map[string]models.HandoffRecord),
		inbound:    make(map[string]string),
	}
}

func (s *InMemoryStore) GetBotConfig(_ context.Context, pageID string) (*models.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[pageID]
	if !ok {
		return nil, nil
	}
	cfg.HandoffKeywords = append([]string(nil), cfg.HandoffKeywords...)
	cfg.BusinessHours.Schedule = append([]models.DayHours(nil), cfg.BusinessHours.Schedule...)
	return &cfg, nil
}

func (s *InMemoryStore) SaveBotConfig(_ context.Context, cfg models.BotConfig) error {
	if cfg.PageID == "" {
		return models.ErrEmptyPageID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.HandoffKeywords = append([]string(nil), cfg.HandoffKeywords...)
	cfg.BusinessHours.Schedule = append([]models.DayHours(nil), cfg.BusinessHours.Schedule...)
	s.configs[cfg.PageID] = cfg
	return nil
}

func (s *InMemoryStore) ListActiveResponseRules(_ context.Context, pageID string) ([]models.ResponseRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ResponseRule
	for _, r := range s.rules[pageID] {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *InMemoryStore) ReplaceResponseRules(_ context.Context, pageID string, rules []models.ResponseRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.ResponseRule, len(rules))
	copy(cp, rules)
	for i := range cp {
		cp[i].PageID = pageID
	}
	s.rules[pageID] = cp
	return nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, flowID string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, nil
	}
	cp, err := copyFlow(f)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *InMemoryStore) ListActiveFlows(_ context.Context, pageID string) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.PageID != pageID || !f.IsActive {
			continue
		}
		cp, err := copyFlow(f)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortFlows(out)
	return out, nil
}

func (s *InMemoryStore) SaveFlow(_ context.Context, flow models.Flow) error {
	if flow.ID == "" {
		return models.ErrEmptyFlowID
	}
	cp, err := copyFlow(flow)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.flows[flow.ID]; ok {
		cp.TriggerCount = prev.TriggerCount
		cp.CompletionCount = prev.CompletionCount
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.TriggerCount = 0
		cp.CompletionCount = 0
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.flows[flow.ID] = cp
	return nil
}

func (s *InMemoryStore) SetFlowActive(_ context.Context, flowID string, active bool) error {
	return s.updateFlow(flowID, func(f *models.Flow) { f.IsActive = active })
}

func (s *InMemoryStore) IncrementFlowTriggerCount(_ context.Context, flowID string) error {
	return s.updateFlow(flowID, func(f *models.Flow) { f.TriggerCount++ })
}

func (s *InMemoryStore) IncrementFlowCompletionCount(_ context.Context, flowID string) error {
	return s.updateFlow(flowID, func(f *models.Flow) { f.CompletionCount++ })
}

func (s *InMemoryStore) updateFlow(flowID string, fn func(*models.Flow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return fmt.Errorf("flow %s: %w", flowID, ErrNotFound)
	}
	fn(&f)
	f.UpdatedAt = time.Now().UTC()
	s.flows[flowID] = f
	return nil
}

func (s *InMemoryStore) GetConversationState(_ context.Context, conversationID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	cp := st.Clone()
	return &cp, nil
}

func (s *InMemoryStore) SaveConversationState(_ context.Context, state *models.ConversationState) error {
	if state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.states[state.ConversationID]
	if ok && stored.Version != state.Version {
		return fmt.Errorf("save conversation state %s at version %d: %w", state.ConversationID, state.Version, ErrVersionConflict)
	}
	state.Version++
	state.UpdatedAt = time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	s.states[state.ConversationID] = state.Clone()
	return nil
}

func (s *InMemoryStore) CreateScheduledExecution(_ context.Context, exec *models.ScheduledExecution) error {
	prepareExecution(exec)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	cp.ConversationContext = exec.ConversationContext.Clone()
	s.executions[exec.ID] = cp
	return nil
}

func (s *InMemoryStore) CancelPendingForConversation(_ context.Context, conversationID string) (int, error) {
	return s.cancelPendingWhere(func(e models.ScheduledExecution) bool { return e.ConversationID == conversationID }), nil
}

func (s *InMemoryStore) CancelPendingForFlow(_ context.Context, flowID string) (int, error) {
	return s.cancelPendingWhere(func(e models.ScheduledExecution) bool { return e.FlowID == flowID }), nil
}

func (s *InMemoryStore) cancelPendingWhere(match func(models.ScheduledExecution) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, e := range s.executions {
		if e.Status != models.ExecutionPending || !match(e) {
			continue
		}
		e.Status = models.ExecutionCancelled
		e.UpdatedAt = now
		s.executions[id] = e
		n++
	}
	return n
}

func (s *InMemoryStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]models.ScheduledExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledExecution
	for _, e := range s.executions {
		if e.Status == models.ExecutionPending && !e.ScheduledFor.After(now) {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ClaimExecution(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != models.ExecutionPending {
		return false, nil
	}
	claimed := now.UTC()
	e.Status = models.ExecutionProcessing
	e.Attempts++
	e.ClaimedAt = &claimed
	e.UpdatedAt = claimed
	s.executions[id] = e
	return true, nil
}

func (s *InMemoryStore) CompleteExecution(_ context.Context, id string) error {
	return s.finishExecution(id, models.ExecutionCompleted, "", models.ExecutionProcessing)
}

func (s *InMemoryStore) FailExecution(_ context.Context, id string, errMsg string) error {
	return s.finishExecution(id, models.ExecutionFailed, errMsg, models.ExecutionProcessing)
}

func (s *InMemoryStore) CancelExecution(_ context.Context, id string, reason string) error {
	return s.finishExecution(id, models.ExecutionCancelled, reason, models.ExecutionPending, models.ExecutionProcessing)
}

func (s *InMemoryStore) finishExecution(id string, to models.ExecutionStatus, lastError string, from ...models.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("scheduled execution %s: %w", id, ErrNotFound)
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			if lastError != "" {
				e.LastError = lastError
			}
			e.UpdatedAt = time.Now().UTC()
			s.executions[id] = e
			return nil
		}
	}
	return fmt.Errorf("scheduled execution %s is %s, cannot move to %s: %w", id, e.Status, to, ErrInvalidTransition)
}

func (s *InMemoryStore) GetScheduledExecution(_ context.Context, id string) (*models.ScheduledExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := copyExecution(e)
	return &cp, nil
}

func (s *InMemoryStore) ListExecutionsByStatus(_ context.Context, status models.ExecutionStatus, limit int) ([]models.ScheduledExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledExecution
	for _, e := range s.executions {
		if e.Status == status {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) FailStaleProcessing(_ context.Context, staleBefore time.Time, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, e := range s.executions {
		if e.Status != models.ExecutionProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(staleBefore) {
			continue
		}
		e.Status = models.ExecutionFailed
		e.LastError = errMsg
		e.UpdatedAt = now
		s.executions[id] = e
		n++
	}
	return n, nil
}

func (s *InMemoryStore) OpenHandoff(_ context.Context, rec models.HandoffRecord) (*models.HandoffRecord, error) {
	if rec.ConversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.handoffs[rec.ConversationID]; ok {
		prev.Reason = rec.Reason
		prev.Status = models.HandoffOpen
		prev.ClosedAt = nil
		prev.UpdatedAt = now
		s.handoffs[rec.ConversationID] = prev
		return &prev, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = models.HandoffOpen
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.handoffs[rec.ConversationID] = rec
	return &rec, nil
}

func (s *InMemoryStore) CloseHandoff(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.handoffs[conversationID]
	if !ok {
		return fmt.Errorf("handoff for %s: %w", conversationID, ErrNotFound)
	}
	now := time.Now().UTC()
	rec.Status = models.HandoffClosed
	rec.ClosedAt = &now
	rec.UpdatedAt = now
	s.handoffs[conversationID] = rec
	return nil
}

func (s *InMemoryStore) GetHandoff(_ context.Context, conversationID string) (*models.HandoffRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.handoffs[conversationID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = conversationID
	return true, nil
}

func (s *InMemoryStore) ForgetInbound(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, messageID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// copyFlow deep-copies a flow through its JSON form so callers never share node slices.
func copyFlow(f models.Flow) (models.Flow, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return models.Flow{}, fmt.Errorf("copy flow %s: %w", f.ID, err)
	}
	var out models.Flow
	if err := json.Unmarshal(data, &out); err != nil {
		return models.Flow{}, fmt.Errorf("copy flow %s: %w", f.ID, err)
	}
	return out, nil
}

func copyExecution(e models.ScheduledExecution) models.ScheduledExecution {
	e.ConversationContext = e.ConversationContext.Clone()
	return e
}

func sortFlows(flows []models.Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority > flows[j].Priority
		}
		return flows[i].ID < flows[j].ID
	})
}

// prepareExecution fills the defaults every backend applies on insert.
func prepareExecution(exec *models.ScheduledExecution) {
	now := time.Now().UTC()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.Status = models.ExecutionPending
	exec.ScheduledFor = exec.ScheduledFor.UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
}
