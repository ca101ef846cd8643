// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., ElevenLabs
// Scribe or Deepgram) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// frames and emits two streams of Transcript values — low-latency partials
// for responsiveness and authoritative finals for the event log.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"time"

	"github.com/mwalden/duskhall/pkg/types"
)

// Default voice-activity thresholds. Providers that do server-side
// endpointing receive these as hints; the voice loop uses them to drive
// client-side commit timing.
const (
	// DefaultCommitSilence is how long a speaker must stay silent before the
	// buffered utterance is committed as final.
	DefaultCommitSilence = 1500 * time.Millisecond

	// DefaultMinSpeech is the shortest utterance worth committing. Anything
	// below this is treated as noise and dropped.
	DefaultMinSpeech = 500 * time.Millisecond
)

// StreamConfig describes the audio format and endpointing hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string

	// CommitSilence is the silence duration after which the provider should
	// finalise the current utterance. Zero means DefaultCommitSilence.
	CommitSilence time.Duration

	// MinSpeech is the minimum utterance length worth finalising. Zero means
	// DefaultMinSpeech.
	MinSpeech time.Duration
}

// Normalized returns cfg with zero-valued endpointing fields replaced by the
// package defaults.
func (cfg StreamConfig) Normalized() StreamConfig {
	if cfg.CommitSilence <= 0 {
		cfg.CommitSilence = DefaultCommitSilence
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = DefaultMinSpeech
	}
	return cfg
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for driving UI indicators but must not be written to the
	// authoritative event log. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that should be logged and passed to the game master.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Commit forces the provider to finalise whatever audio it has buffered,
	// without waiting for the silence threshold. Used when a player
	// explicitly stops listening mid-utterance. Best-effort; providers
	// without an explicit finalise signal may simply wait for endpointing.
	Commit() error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected player).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and endpointing configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
