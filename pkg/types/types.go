// Package types holds the data structures shared across Duskhall's speech
// providers, game-master agent, and voice loop. Each package keeps its own
// domain types; only cross-cutting structures live here, so that the provider
// packages never have to import one another.
package types

import "time"

// AudioFrame is the atomic unit of audio transport: received from player
// clients, streamed into STT, and emitted from TTS.
type AudioFrame struct {
	// Data is raw PCM. Sample rate and channel count come from the stream
	// config that produced the frame.
	Data []byte

	SampleRate int // Hz, e.g. 16000 for STT input
	Channels   int // 1 mono for STT input, 2 for stereo playback

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript is a speech-to-text result. Partial (interim) and final
// transcripts share the shape; IsFinal tells them apart.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the provider reports none.
	Confidence float64

	// Words carries per-word timing when the provider supports it, nil
	// otherwise.
	Words []WordDetail

	// Timestamp is the utterance start relative to session start; Duration is
	// its length.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is one word of a transcript with its timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	Content string

	// Name optionally identifies the speaker in multi-speaker contexts.
	Name string

	// ToolCalls holds tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID identifies which tool call a Role "tool" message answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the LLM. Arguments is the
// JSON-encoded argument object; ID is assigned by the provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool offered to an LLM. Parameters is a JSON
// Schema object for the tool's input.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// VoiceProfile describes one TTS voice as reported by its provider.
type VoiceProfile struct {
	ID       string
	Name     string
	Provider string

	// Metadata holds provider-specific attributes such as gender or accent.
	Metadata map[string]string
}

// ModelCapabilities describes the limits and features of an LLM model.
type ModelCapabilities struct {
	// ContextWindow is the maximum combined input and output token count.
	ContextWindow int

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int

	SupportsToolCalling bool
	SupportsStreaming   bool
}
