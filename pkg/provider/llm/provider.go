// Package llm defines the Provider contract for the dialog model backend.
//
// The runtime uses the LLM for two things: turning a final transcript into a
// structured intent via tool calling, and generating short in-persona
// utterances such as track introductions. Both go through [Provider.Complete];
// the runtime never streams model output because spoken responses are
// synthesised as whole sentences.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import "context"

// Message is a single entry in the conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// CompletionRequest carries everything the model needs for one response.
type CompletionRequest struct {
	// Messages is the ordered conversation history; the last message drives
	// the response. Must be non-empty.
	Messages []Message

	// Tools is the set of tools offered to the model. Empty disables tool
	// calling for this request.
	Tools []ToolDefinition

	// SystemPrompt is the persona instruction injected before the history.
	SystemPrompt string

	// Temperature controls output randomness in [0, 2]. Zero means provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the assistant's text. Empty when the model responds
	// exclusively with tool calls.
	Content string

	// ToolCalls lists the tool invocations the model requested. The caller
	// executes them; results never feed back into speech directly.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response. Returns an error if
	// the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
