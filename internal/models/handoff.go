package models

import "time"

// HandoffStatus is the state of a human handoff.
type HandoffStatus string

const (
	HandoffOpen   HandoffStatus = "open"
	HandoffClosed HandoffStatus = "closed"
)

// Reasons recorded on a handoff.
const (
	HandoffReasonKeyword           = "keyword"
	HandoffReasonNegativeSentiment = "negative_sentiment"
	HandoffReasonFlowAction        = "flow_handoff"
	HandoffReasonFlowExhausted     = "flow_completed"
)

// HandoffRecord tracks one conversation waiting on (or served by) a human.
// There is at most one record per conversation; a new handoff reopens it.
type HandoffRecord struct {
	ID             string        `json:"id"`
	OrgID          string        `json:"orgId"`
	PageID         string        `json:"pageId"`
	ConversationID string        `json:"conversationId"`
	Reason         string        `json:"reason"`
	Status         HandoffStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	ClosedAt       *time.Time    `json:"closedAt,omitempty"`
}
