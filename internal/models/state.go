package models

import "time"

// BotMode is who currently answers a conversation.
type BotMode string

const (
	BotModeAI    BotMode = "ai"
	BotModeFlow  BotMode = "flow"
	BotModeHuman BotMode = "human"
)

// MaxIntentHistory bounds ConversationContext.IntentHistory; oldest entries are dropped first.
const MaxIntentHistory = 10

// IntentRecord is one exchange remembered for the generator.
type IntentRecord struct {
	Message   string    `json:"message"`
	Intent    string    `json:"intent,omitempty"`
	Sentiment string    `json:"sentiment,omitempty"`
	Response  string    `json:"response,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationContext is the mutable bag carried with a conversation.
type ConversationContext struct {
	Variables         map[string]any `json:"variables,omitempty"`
	CollectedInputs   map[string]any `json:"collectedInputs,omitempty"`
	CurrentFlowID     string         `json:"currentFlowId,omitempty"`
	CurrentNodeID     string         `json:"currentNodeId,omitempty"`
	IntentHistory     []IntentRecord `json:"intentHistory,omitempty"`
	UserMemory        map[string]any `json:"userMemory,omitempty"`
	DetectedLanguage  string         `json:"detectedLanguage,omitempty"`
	HandoffReason     string         `json:"handoffReason,omitempty"`
	LastUserMessageAt *time.Time     `json:"lastUserMessageAt,omitempty"`
	LastBotMessageAt  *time.Time     `json:"lastBotMessageAt,omitempty"`
}

// Clone returns a deep copy; nested maps and slices in variables are copied too.
func (c ConversationContext) Clone() ConversationContext {
	out := c
	out.Variables = cloneMap(c.Variables)
	out.CollectedInputs = cloneMap(c.CollectedInputs)
	out.UserMemory = cloneMap(c.UserMemory)
	if c.IntentHistory != nil {
		out.IntentHistory = append([]IntentRecord(nil), c.IntentHistory...)
	}
	if c.LastUserMessageAt != nil {
		t := *c.LastUserMessageAt
		out.LastUserMessageAt = &t
	}
	if c.LastBotMessageAt != nil {
		t := *c.LastBotMessageAt
		out.LastBotMessageAt = &t
	}
	return out
}

// SetVariable writes name=value, allocating the map on first use.
func (c *ConversationContext) SetVariable(name string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[name] = value
}

// AppendIntent records an exchange, keeping at most MaxIntentHistory entries.
func (c *ConversationContext) AppendIntent(rec IntentRecord) {
	c.IntentHistory = append(c.IntentHistory, rec)
	if over := len(c.IntentHistory) - MaxIntentHistory; over > 0 {
		c.IntentHistory = append([]IntentRecord(nil), c.IntentHistory[over:]...)
	}
}

// MergeSnapshot restores a scheduled snapshot on top of the live context.
// Snapshot variables and inputs win; the flow pointer is left to the caller.
func (c *ConversationContext) MergeSnapshot(snap ConversationContext) {
	for k, v := range snap.Variables {
		c.SetVariable(k, cloneValue(v))
	}
	if len(snap.CollectedInputs) > 0 && c.CollectedInputs == nil {
		c.CollectedInputs = make(map[string]any, len(snap.CollectedInputs))
	}
	for k, v := range snap.CollectedInputs {
		c.CollectedInputs[k] = cloneValue(v)
	}
}

// ConversationState is the single persisted row per conversation.
type ConversationState struct {
	ConversationID string              `json:"conversationId"`
	PageID         string              `json:"pageId"`
	OrgID          string              `json:"orgId"`
	Platform       string              `json:"platform"`
	RecipientID    string              `json:"recipientId,omitempty"`
	BotMode        BotMode             `json:"botMode"`
	Context        ConversationContext `json:"context"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// NewConversationState returns a fresh state in AI mode.
func NewConversationState(conversationID, pageID, orgID, platform string) ConversationState {
	now := time.Now().UTC()
	return ConversationState{
		ConversationID: conversationID,
		PageID:         pageID,
		OrgID:          orgID,
		Platform:       platform,
		BotMode:        BotModeAI,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of the state.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Context = s.Context.Clone()
	return out
}

// InFlow reports whether the conversation has a live flow pointer.
func (s *ConversationState) InFlow() bool {
	return s.BotMode == BotModeFlow && s.Context.CurrentFlowID != "" && s.Context.CurrentNodeID != ""
}

// EnterFlow switches to flow mode and points at nodeID.
func (s *ConversationState) EnterFlow(flowID, nodeID string) {
	s.BotMode = BotModeFlow
	s.Context.CurrentFlowID = flowID
	s.Context.CurrentNodeID = nodeID
}

// ClearFlow drops the flow pointer; both ids are always cleared together.
func (s *ConversationState) ClearFlow() {
	s.Context.CurrentFlowID = ""
	s.Context.CurrentNodeID = ""
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
