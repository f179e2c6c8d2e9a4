package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeType identifies the role a node plays in a flow graph.
type NodeType string

const (
	NodeTypeEntry     NodeType = "entry"
	NodeTypeMessage   NodeType = "message"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeAI        NodeType = "ai_node"
	NodeTypeExit      NodeType = "exit"
)

// IsValid reports whether t is a known node type.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeEntry, NodeTypeMessage, NodeTypeCondition, NodeTypeAction, NodeTypeAI, NodeTypeExit:
		return true
	}
	return false
}

// Flow is an immutable automation graph owned by a page.
// The engine only ever changes its counters, and only through the store.
type Flow struct {
	ID              string    `json:"id"`
	PageID          string    `json:"pageId"`
	Name            string    `json:"name,omitempty"`
	Nodes           []Node    `json:"nodes"`
	EntryNodeID     string    `json:"entryNodeId"`
	GlobalTriggers  []Trigger `json:"globalTriggers,omitempty"`
	Priority        int       `json:"priority"`
	IsActive        bool      `json:"isActive"`
	TriggerCount    int64     `json:"triggerCount"`
	CompletionCount int64     `json:"completionCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks the structural properties the executor relies on.
// Dangling edges are allowed; the executor treats them as exhausted paths.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if f.PageID == "" {
		return ErrEmptyPageID
	}
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %q in flow %s", ErrDuplicateNodeID, n.ID, f.ID)
		}
		seen[n.ID] = true
		if !n.Type.IsValid() {
			return fmt.Errorf("flow %s node %s: unknown node type %q", f.ID, n.ID, n.Type)
		}
	}
	if !seen[f.EntryNodeID] {
		return fmt.Errorf("%w: %q in flow %s", ErrMissingEntryNode, f.EntryNodeID, f.ID)
	}
	return nil
}

// Node is one step of a flow.
type Node struct {
	ID         string       `json:"id"`
	Type       NodeType     `json:"type"`
	Actions    []NodeAction `json:"actions,omitempty"`
	Conditions []Condition  `json:"conditions,omitempty"`
	NextNodes  []string     `json:"nextNodes,omitempty"`
}

// DefaultNext returns the first default successor, if any.
func (n *Node) DefaultNext() (string, bool) {
	if len(n.NextNodes) == 0 || n.NextNodes[0] == "" {
		return "", false
	}
	return n.NextNodes[0], true
}

// EndsWithDelay reports whether the last action of the node is a delay.
func (n *Node) EndsWithDelay() bool {
	if len(n.Actions) == 0 {
		return false
	}
	_, ok := n.Actions[len(n.Actions)-1].Action.(*DelayAction)
	return ok
}

// Condition routes to TargetNodeID when Expression holds.
type Condition struct {
	Expression   string `json:"expression"`
	TargetNodeID string `json:"targetNodeId"`
}

// TriggerType selects how a global trigger is matched.
type TriggerType string

const (
	TriggerTypeKeyword TriggerType = "keyword"
	TriggerTypeRegex   TriggerType = "regex"
)

// MatchMode controls keyword trigger comparison.
type MatchMode string

const (
	MatchModeExact      MatchMode = "exact"
	MatchModeStartsWith MatchMode = "starts_with"
	MatchModeEndsWith   MatchMode = "ends_with"
	MatchModeContains   MatchMode = "contains"
)

// Trigger starts a flow when an inbound message matches it.
type Trigger struct {
	Type          TriggerType `json:"type"`
	Value         string      `json:"value"`
	MatchMode     MatchMode   `json:"matchMode,omitempty"`
	CaseSensitive bool        `json:"caseSensitive,omitempty"`
}

// ActionType is the wire name of an action kind.
type ActionType string

const (
	ActionSendMessage      ActionType = "send_message"
	ActionSendQuickReplies ActionType = "send_quick_replies"
	ActionHandoff          ActionType = "handoff"
	ActionAINode           ActionType = "ai_node"
	ActionDelay            ActionType = "delay"
	ActionSetVariable      ActionType = "set_variable"
	ActionHTTPRequest      ActionType = "http_request"
	ActionGotoNode         ActionType = "goto_node"
)

// Action is the closed set of things a node can do.
// Implementations live in this package only.
type Action interface {
	Type() ActionType
	isAction()
}

// SendMessageAction appends interpolated text to the outbound buffer.
type SendMessageAction struct {
	Text string `json:"text"`
}

// SendQuickRepliesAction appends text and offers reply buttons.
type SendQuickRepliesAction struct {
	Text    string   `json:"text"`
	Replies []string `json:"replies,omitempty"`
}

// HandoffAction ends the turn and hands the conversation to a human.
type HandoffAction struct {
	Reason string `json:"reason,omitempty"`
}

// AINodeAction asks the generator for text using a custom prompt.
type AINodeAction struct {
	Prompt         string   `json:"prompt"`
	OutputVariable string   `json:"outputVariable,omitempty"`
	SendToUser     bool     `json:"sendToUser,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// DelayUnit is the unit of a DelayAction amount.
type DelayUnit string

const (
	DelaySeconds DelayUnit = "seconds"
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// DelayAction suspends the flow and resumes at the node's first successor.
type DelayAction struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// Duration converts the delay to a time.Duration.
func (d *DelayAction) Duration() (time.Duration, error) {
	if d.Amount < 0 {
		return 0, fmt.Errorf("%w: negative delay amount %d", ErrInvalidActionConfig, d.Amount)
	}
	var unit time.Duration
	switch DelayUnit(strings.TrimSuffix(strings.ToLower(string(d.Unit)), "s") + "s") {
	case DelaySeconds:
		unit = time.Second
	case DelayMinutes:
		unit = time.Minute
	case DelayHours:
		unit = time.Hour
	case DelayDays:
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: unknown delay unit %q", ErrInvalidActionConfig, d.Unit)
	}
	if int64(d.Amount) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: delay of %d %s overflows", ErrInvalidActionConfig, d.Amount, d.Unit)
	}
	return time.Duration(d.Amount) * unit, nil
}

// SetVariableAction writes a value into the conversation variables.
type SetVariableAction struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// HTTPRequestAction calls an external endpoint and records the outcome in variables.
type HTTPRequestAction struct {
	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             any               `json:"body,omitempty"`
	ResponseVariable string            `json:"responseVariable,omitempty"`
}

// GotoNodeAction jumps to another node within the same turn.
type GotoNodeAction struct {
	TargetNodeID string `json:"targetNodeId"`
}

func (*SendMessageAction) Type() ActionType      { return ActionSendMessage }
func (*SendQuickRepliesAction) Type() ActionType { return ActionSendQuickReplies }
func (*HandoffAction) Type() ActionType          { return ActionHandoff }
func (*AINodeAction) Type() ActionType           { return ActionAINode }
func (*DelayAction) Type() ActionType            { return ActionDelay }
func (*SetVariableAction) Type() ActionType      { return ActionSetVariable }
func (*HTTPRequestAction) Type() ActionType      { return ActionHTTPRequest }
func (*GotoNodeAction) Type() ActionType         { return ActionGotoNode }

func (*SendMessageAction) isAction()      {}
func (*SendQuickRepliesAction) isAction() {}
func (*HandoffAction) isAction()          {}
func (*AINodeAction) isAction()           {}
func (*DelayAction) isAction()            {}
func (*SetVariableAction) isAction()      {}
func (*HTTPRequestAction) isAction()      {}
func (*GotoNodeAction) isAction()         {}

// NodeAction wraps an Action and carries the {type, config} authoring format.
type NodeAction struct {
	Action Action
}

type nodeActionWire struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the action as {type, config}.
func (a NodeAction) MarshalJSON() ([]byte, error) {
	if a.Action == nil {
		return nil, fmt.Errorf("%w: nil action", ErrInvalidActionConfig)
	}
	cfg, err := json.Marshal(a.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeActionWire{Type: a.Action.Type(), Config: cfg})
}

// UnmarshalJSON decodes {type, config} into the concrete action struct.
func (a *NodeAction) UnmarshalJSON(data []byte) error {
	var wire nodeActionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var act Action
	switch wire.Type {
	case ActionSendMessage:
		act = &SendMessageAction{}
	case ActionSendQuickReplies:
		act = &SendQuickRepliesAction{}
	case ActionHandoff:
		act = &HandoffAction{}
	case ActionAINode:
		act = &AINodeAction{}
	case ActionDelay:
		act = &DelayAction{}
	case ActionSetVariable:
		act = &SetVariableAction{}
	case ActionHTTPRequest:
		act = &HTTPRequestAction{}
	case ActionGotoNode:
		act = &GotoNodeAction{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, wire.Type)
	}
	if len(wire.Config) > 0 && string(wire.Config) != "null" {
		if err := json.Unmarshal(wire.Config, act); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidActionConfig, wire.Type, err)
		}
	}
	if err := validateAction(act); err != nil {
		return err
	}
	a.Action = act
	return nil
}

func validateAction(act Action) error {
	switch v := act.(type) {
	case *DelayAction:
		if _, err := v.Duration(); err != nil {
			return err
		}
	case *SetVariableAction:
		if v.Name == "" {
			return fmt.Errorf("%w: set_variable requires a name", ErrInvalidActionConfig)
		}
	case *HTTPRequestAction:
		if v.URL == "" {
			return fmt.Errorf("%w: http_request requires a url", ErrInvalidActionConfig)
		}
	case *GotoNodeAction:
		if v.TargetNodeID == "" {
			return fmt.Errorf("%w: goto_node requires a targetNodeId", ErrInvalidActionConfig)
		}
	}
	return nil
}
