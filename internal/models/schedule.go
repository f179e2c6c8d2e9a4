package models

import "time"

// ExecutionStatus is the lifecycle of a scheduled execution.
// Completed, failed and cancelled are terminal and never reopened.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether s can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionProcessing, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ScheduledExecution is a persisted, delayed continuation of a flow at NextNodeID.
type ScheduledExecution struct {
	ID                  string              `json:"id"`
	ConversationID      string              `json:"conversationId"`
	PageID              string              `json:"pageId"`
	FlowID              string              `json:"flowId"`
	NextNodeID          string              `json:"nextNodeId"`
	ScheduledFor        time.Time           `json:"scheduledFor"`
	Status              ExecutionStatus     `json:"status"`
	Attempts            int                 `json:"attempts"`
	ConversationContext ConversationContext `json:"conversationContext"`
	LastError           string              `json:"lastError,omitempty"`
	ClaimedAt           *time.Time          `json:"claimedAt,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}
