// Package llm defines the Provider interface for language model backends.
//
// A Provider hides the SDK of a hosted or local model (OpenAI, Anthropic,
// Ollama, ...) behind one surface the game master agent can drive: chat
// completions with tool calling, token counting for context budgeting, and
// a capabilities probe. Implementations must be safe for concurrent use,
// and channels returned by StreamCompletion must be closed when the stream
// ends or the context is cancelled.
package llm

import (
	"context"

	"github.com/mwalden/duskhall/pkg/types"
)

// Usage is the token accounting reported by the backend for one exchange.
// Counts are in the model's native token unit, so the same text yields
// different numbers on different providers.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries one model invocation. Messages must be
// non-empty; everything else is optional.
type CompletionRequest struct {
	// Messages is the ordered conversation history, the last entry usually
	// being the user turn that drives the response.
	Messages []types.Message

	// Tools offered to the model for this call. Check
	// Capabilities().SupportsToolCalling before relying on them.
	Tools []types.ToolDefinition

	// Temperature in [0.0, 2.0]; zero requests the provider default.
	Temperature float64

	// MaxTokens caps completion length; zero means the provider default.
	MaxTokens int

	// SystemPrompt is injected ahead of the history. Providers without a
	// dedicated system slot prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is one fragment of a streaming completion. A chunk may carry text,
// tool calls, a finish signal, or any combination.
type Chunk struct {
	// Text is the incremental content, possibly empty.
	Text string

	// FinishReason is non-empty only on the final chunk: "stop", "length",
	// "tool_calls", or "error" when the stream broke after starting.
	FinishReason string

	// ToolCalls the model is requesting, fully assembled by the provider.
	ToolCalls []types.ToolCall
}

// CompletionResponse is the non-streaming result.
type CompletionResponse struct {
	// Content is the assistant's reply text; empty when the model answered
	// only with tool calls.
	Content string

	// ToolCalls requested by the model. The caller executes them and feeds
	// the results back as "tool"-role messages.
	ToolCalls []types.ToolCall

	Usage Usage
}

// Provider is the abstraction over any LLM backend. Implementations must be
// safe for concurrent use and honour context cancellation promptly.
type Provider interface {
	// StreamCompletion starts a completion and emits chunks on the returned
	// channel, closing it when generation finishes or ctx is cancelled.
	// Callers must drain the channel. The error return covers only failures
	// to start the stream; later errors surface as a chunk with
	// FinishReason "error". The channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs the request to completion and returns the full
	// response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context-window tokens the messages
	// consume. Approximations are fine but should not undercount; the
	// agent uses this to trim history before it overflows.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities reports static model metadata, constant for the
	// lifetime of the Provider.
	Capabilities() types.ModelCapabilities
}
