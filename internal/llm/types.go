package llm

import "encoding/json"

// Tool represents a function tool definition offered to the model.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function for the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments for a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentPart is one piece of a multimodal message: text or an inline image.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatMessage is a conversation message. Content carries plain text; Parts,
// when non-empty, carries multimodal content and takes precedence.
type ChatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ChatResponse contains the model's final response for one turn.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// StreamObserver receives streaming events during a chat completion. All
// callbacks are invoked from the stream-reading goroutine in arrival order.
// Any callback may be nil.
type StreamObserver struct {
	// OnTextDelta is called for each assistant text fragment.
	OnTextDelta func(delta string)
	// OnToolCallDelta is called as tool-call arguments stream in. name is
	// empty until known; argsDelta is the newly arrived argument fragment.
	OnToolCallDelta func(callID, name, argsDelta string)
}
