// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Coqui instance) and presents both a one-shot and a streaming
// interface. Synthesize renders a full narration into a single audio buffer;
// SynthesizeStream accepts a channel of text fragments and returns a channel
// of raw PCM audio bytes as they become available, enabling low-latency
// pipelining between LLM output and playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"

	"github.com/mwalden/duskhall/pkg/types"
)

// VoiceSpec selects a voice and its delivery characteristics for a synthesis
// request. Zero-valued tuning fields mean provider defaults.
type VoiceSpec struct {
	// ID is the provider-specific voice identifier. Required.
	ID string

	// Stability trades consistency for expressiveness (0.0–1.0).
	Stability float64

	// SimilarityBoost controls how closely output follows the reference
	// voice (0.0–1.0).
	SimilarityBoost float64

	// Style exaggerates the voice's speaking style (0.0–1.0).
	Style float64

	// SpeakerBoost enables extra speaker similarity processing.
	SpeakerBoost bool
}

// Audio is a fully synthesised clip.
type Audio struct {
	// Data is the encoded audio payload.
	Data []byte

	// MIMEType describes the encoding (e.g., "audio/mpeg", "audio/pcm").
	MIMEType string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active session).
type Provider interface {
	// Synthesize renders text into a single audio clip using the given
	// voice. This is the path for turn narration, where the full text is
	// known up front and the client plays one clip.
	//
	// Returns an error if synthesis fails or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceSpec) (Audio, error)

	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This design allows the caller to pipe LLM streaming
	// output directly into synthesis without waiting for the full text.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain the audio channel to avoid blocking the provider's internal
	// goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio
	// channel early; callers should check ctx.Err() to distinguish
	// cancellation from provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceSpec) (<-chan []byte, error)

	// SoundEffect generates a short ambient audio clip from a text
	// description (e.g., "heavy wooden door creaking open"). Providers
	// without a sound generation API should return an error; callers treat
	// effect failures as non-fatal.
	SoundEffect(ctx context.Context, description string, duration time.Duration) (Audio, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
