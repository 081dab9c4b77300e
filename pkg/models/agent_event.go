package models

import "time"

// AgentEventType discriminates an AgentEvent. Serialized snake_case on the
// wire via Type() so downstream SSE clients get the §6 "type" discriminant.
type AgentEventType string

const (
	EventToken             AgentEventType = "token"
	EventToolStart         AgentEventType = "tool_start"
	EventToolComplete      AgentEventType = "tool_complete"
	EventToolError         AgentEventType = "tool_error"
	EventNeedClarification AgentEventType = "need_clarification"
	EventNeedApproval      AgentEventType = "need_approval"
	EventComplete          AgentEventType = "complete"
	EventError             AgentEventType = "error"
)

// Usage mirrors the accumulated token accounting for one turn.
type Usage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
	TotalTokens      uint32 `json:"total_tokens"`
	Estimated        bool   `json:"estimated,omitempty"`
}

// AgentEvent is the typed stream unit emitted to clients; exactly one of
// the pointer fields below is populated, selected by Type.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Sequence uint64         `json:"sequence"`
	RunID    string         `json:"run_id"`
	Round    int            `json:"round"`
	Time     time.Time      `json:"time"`

	Token             *TokenPayload             `json:"token,omitempty"`
	ToolStart         *ToolStartPayload         `json:"tool_start,omitempty"`
	ToolComplete      *ToolCompletePayload      `json:"tool_complete,omitempty"`
	ToolError         *ToolErrorPayload         `json:"tool_error,omitempty"`
	NeedClarification *NeedClarificationPayload `json:"need_clarification,omitempty"`
	NeedApproval      *NeedApprovalPayload      `json:"need_approval,omitempty"`
	Complete          *CompletePayload          `json:"complete,omitempty"`
	Error             *ErrorPayload             `json:"error,omitempty"`
}

// IsTerminal reports whether this event closes the event stream for its turn.
func (e AgentEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

type TokenPayload struct {
	Content string `json:"content"`
}

type ToolStartPayload struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
}

type ToolCompletePayload struct {
	CallID string     `json:"call_id"`
	Result ToolResult `json:"result"`
}

type ToolErrorPayload struct {
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

type NeedClarificationPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type NeedApprovalPayload struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	// RiskLevel is an additive, optional hint (see SPEC_FULL.md
	// SUPPLEMENTED FEATURES), not required by any invariant.
	RiskLevel string `json:"risk_level,omitempty"`
}

type CompletePayload struct {
	Usage Usage `json:"usage"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// AgentStatus is the lifecycle state of an in-flight or finished turn.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusCancelled AgentStatus = "cancelled"
	StatusError     AgentStatus = "error"
)

// IsTerminal reports whether the status will never change again.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}
