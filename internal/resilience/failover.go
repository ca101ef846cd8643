package resilience

import (
	"context"
	"time"

	"github.com/mwalden/duskhall/pkg/provider/llm"
	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/provider/tts"
	"github.com/mwalden/duskhall/pkg/types"
)

// The provider-facing failover wrappers. Each one satisfies its provider
// interface by walking an embedded [FallbackGroup]: the call goes to the
// first entry whose breaker is closed, and moves down the chain on failure.
// AddFallback is promoted from the group.
//
// For streaming methods only the initial setup participates in failover.
// Once a stream channel has been handed out, errors on it belong to the
// consumer; there is no mid-stream provider switch.

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// LLMFallback is an [llm.Provider] that fails over across several backends.
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

// NewLLMFallback wraps primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the primary's capabilities. Static metadata does not
// fail over; mixing limits from different backends would mislead the budgeter.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.Primary().Capabilities()
}

// STTFallback is an [stt.Provider] that fails over across several backends.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// NewSTTFallback wraps primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] that fails over across several backends.
// Backends may return different audio encodings, so callers must honour the
// MIME type on the returned [tts.Audio] rather than assume the primary's.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

// NewTTSFallback wraps primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceSpec) (tts.Audio, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceSpec) (<-chan []byte, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// SoundEffect tries the chain in order. Providers without sound-effect
// support fail immediately and the next entry is tried.
func (f *TTSFallback) SoundEffect(ctx context.Context, description string, duration time.Duration) (tts.Audio, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) (tts.Audio, error) {
		return p.SoundEffect(ctx, description, duration)
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
