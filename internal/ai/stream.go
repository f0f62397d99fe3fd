package ai

import (
	"context"
	"encoding/json"
)

type EventKind string

const (
	KindText      EventKind = "text"
	KindReasoning EventKind = "reasoning"
	KindToolCall  EventKind = "tool_call"
)

// TokenEvent is one parsed frame from a provider stream. For KindToolCall
// the Call field is set instead of Text.
type TokenEvent struct {
	Kind EventKind
	Text string
	Call *ToolCall
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Set on assistant messages that requested tools, and on role=tool
	// result messages, when a tool loop is running.
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolSpec is a tool definition advertised to the provider.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type StreamOptions struct {
	// ReasoningEffort is "none", "low", "medium" or "high". Empty and
	// "none" both mean the provider default with reasoning off.
	ReasoningEffort string
	Tools           []ToolSpec
}

// Provider streams token events until a terminal condition. Both channels
// are closed when streaming ends; a closed event channel with no error
// means the upstream completed normally.
type Provider interface {
	StreamTokens(ctx context.Context, messages []Message, opts StreamOptions) (<-chan TokenEvent, <-chan error)
}
