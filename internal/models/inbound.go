package models

import "strings"

// InboundMessage is one message delivered by the webhook.
type InboundMessage struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	PageID         string `json:"pageId"`
	OrgID          string `json:"orgId"`
	Platform       string `json:"platform,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	Text           string `json:"text"`
}

// Validate checks the fields the pipeline cannot run without.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return ErrEmptyConversationID
	}
	if strings.TrimSpace(m.PageID) == "" {
		return ErrEmptyPageID
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Reason codes reported by the pipeline and the flow engine.
const (
	ReasonAIDisabled           = "ai_disabled"
	ReasonHumanHandling        = "human_handling"
	ReasonOutsideBusinessHours = "outside_business_hours"
	ReasonResponseRule         = "response_rule"
	ReasonFlowDelayScheduled   = "flow_delay_scheduled"
	ReasonFlowWaiting          = "flow_waiting_for_input"
	ReasonFlowCompleted        = "flow_completed"
	ReasonFlowHandoff          = "flow_handoff"
	ReasonFlowNotFound         = "flow_not_found"
	ReasonNodeNotFound         = "node_not_found"
	ReasonMaxDepthExceeded     = "max_depth_exceeded"
	ReasonCircularReference    = "circular_reference"
	ReasonHandoff              = "handoff"
	ReasonAppointmentIntent    = "appointment_intent"
	ReasonAIResponse           = "ai_response"
	ReasonAIError              = "ai_error"
	ReasonDuplicate            = "duplicate"
)

// PipelineResult is the answer to one inbound message.
type PipelineResult struct {
	Handled       bool     `json:"handled"`
	Response      string   `json:"response,omitempty"`
	QuickReplies  []string `json:"quickReplies,omitempty"`
	ShouldHandoff bool     `json:"shouldHandoff,omitempty"`
	HandoffReason string   `json:"handoffReason,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}
