// Package voice implements the per-connection voice interaction loop.
//
// Each connected player gets one Loop, which drives the cycle
// listen → transcribe → respond → speak. The loop owns at most one open
// transcription stream, at most one in-flight game-master turn, and at most
// one playing narration clip at a time; nothing is shared between loops, so
// concurrent players never serialize on each other.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mwalden/duskhall/internal/dm"
	"github.com/mwalden/duskhall/internal/observe"
	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/provider/tts"
	"github.com/mwalden/duskhall/pkg/types"
)

// State is the lifecycle state of a Loop.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// ErrNeedsReset is returned when an operation is attempted while the loop is
// in the error state. The client must call Reset first.
var ErrNeedsReset = errors.New("voice: loop is in error state, reset required")

// ErrClosed is returned by operations on a closed Loop.
var ErrClosed = errors.New("voice: loop is closed")

// maxHistoryMessages caps the rolling conversation history carried between
// turns of one connection. Two entries per turn, so this keeps roughly the
// last dozen exchanges.
const maxHistoryMessages = 24

// defaultGraceDelay is how long StopListening waits after a forced commit
// before tearing down the stream, so the provider can deliver the final
// transcript for the in-flight utterance.
const defaultGraceDelay = 100 * time.Millisecond

// Responder produces game-master narration for one committed utterance.
// *dm.Agent is the production implementation.
type Responder interface {
	Respond(ctx context.Context, turn dm.Turn) (string, error)
}

// Speaker delivers synthesized narration audio to the client and returns
// once playback has completed. The WebSocket gateway implements this by
// sending the clip and waiting for the client's playback-done ack.
type Speaker interface {
	Speak(ctx context.Context, audio tts.Audio) error
}

// Config carries the collaborators and identity for one Loop.
type Config struct {
	// Responder handles committed utterances. Required.
	Responder Responder

	// STT opens transcription streams. Required for voice input; a loop
	// serving only SendMessage may leave it nil.
	STT stt.Provider

	// TTS synthesizes narration. Optional; without it narration is
	// text-only.
	TTS tts.Provider

	// Speaker plays synthesized audio. Required when TTS is set.
	Speaker Speaker

	// Voice selects the narrator voice for synthesis.
	Voice tts.VoiceSpec

	// Stream configures the transcription session. Zero-valued endpointing
	// fields fall back to the stt package defaults.
	Stream stt.StreamConfig

	// SessionID is the game session this connection belongs to. Required.
	SessionID string

	// PlayerID attributes utterances to a player. Empty for host consoles.
	PlayerID string
}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithGraceDelay overrides the post-commit teardown delay of StopListening.
func WithGraceDelay(d time.Duration) Option {
	return func(l *Loop) { l.graceDelay = d }
}

// WithMetrics enables pipeline latency recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithStateFunc registers a callback invoked on every state transition.
func WithStateFunc(fn func(State)) Option {
	return func(l *Loop) { l.onState = fn }
}

// WithPartialFunc registers a callback for interim transcripts. These are
// display-only and never reach the event log.
func WithPartialFunc(fn func(text string)) Option {
	return func(l *Loop) { l.onPartial = fn }
}

// WithNarrationFunc registers a callback for narration text, invoked before
// synthesis so clients can render captions immediately.
func WithNarrationFunc(fn func(text string)) Option {
	return func(l *Loop) { l.onNarration = fn }
}

// Loop is the per-connection voice controller. All exported methods are safe
// for concurrent use.
type Loop struct {
	cfg        Config
	log        *slog.Logger
	metrics    *observe.Metrics
	graceDelay time.Duration

	onState     func(State)
	onPartial   func(string)
	onNarration func(string)

	mu          sync.Mutex
	state       State
	processing  bool
	closed      bool
	session     stt.SessionHandle
	history     []types.Message
	recvDone    chan struct{}
	recvQuit    chan struct{}
	lastAudioAt time.Time
}

// NewLoop validates cfg and returns an idle Loop.
func NewLoop(cfg Config, opts ...Option) (*Loop, error) {
	if cfg.Responder == nil {
		return nil, errors.New("voice: responder is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("voice: session id is required")
	}
	if cfg.TTS != nil && cfg.Speaker == nil {
		return nil, errors.New("voice: speaker is required when tts is set")
	}
	l := &Loop{
		cfg:        cfg,
		log:        slog.Default(),
		graceDelay: defaultGraceDelay,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("session_id", cfg.SessionID, "player_id", cfg.PlayerID)
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setStateLocked updates the state and fires the callback. Caller holds l.mu.
func (l *Loop) setStateLocked(s State) {
	if l.state == s {
		return
	}
	l.state = s
	fn := l.onState
	if fn != nil {
		// Callback runs outside the lock so it may call back into the loop.
		go fn(s)
	}
}

// StartListening opens a transcription stream and begins consuming
// transcripts. It is a no-op when a stream is already open or a turn is
// mid-processing, fails while in the error state, and moves the loop to the
// error state if the provider connection cannot be established.
func (l *Loop) StartListening(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state == StateError {
		l.mu.Unlock()
		return ErrNeedsReset
	}
	if l.session != nil || l.processing || l.state == StateConnecting {
		l.mu.Unlock()
		return nil
	}
	if l.cfg.STT == nil {
		l.mu.Unlock()
		return errors.New("voice: no stt provider configured")
	}
	l.setStateLocked(StateConnecting)
	cfg := l.cfg.Stream.Normalized()
	l.mu.Unlock()

	session, err := l.cfg.STT.StartStream(ctx, cfg)
	if err != nil {
		l.fail(fmt.Errorf("voice: start stream: %w", err))
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		session.Close()
		return ErrClosed
	}
	l.session = session
	l.recvDone = make(chan struct{})
	l.recvQuit = make(chan struct{})
	l.setStateLocked(StateListening)
	done, quit := l.recvDone, l.recvQuit
	l.mu.Unlock()

	go l.receive(ctx, session, done, quit)
	l.log.Debug("listening started",
		"sample_rate", cfg.SampleRate, "commit_silence", cfg.CommitSilence)
	return nil
}

// receive consumes transcripts until both channels close or teardown signals
// quit. Providers are not required to close their channels on Close, so the
// quit signal is what guarantees this goroutine exits.
func (l *Loop) receive(ctx context.Context, session stt.SessionHandle, done, quit chan struct{}) {
	defer close(done)
	partials := session.Partials()
	finals := session.Finals()
	for partials != nil || finals != nil {
		select {
		case <-quit:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if fn := l.onPartial; fn != nil && t.Text != "" {
				fn(t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text != "" {
				l.handleCommit(ctx, t.Text)
			}
		}
	}
}

// SendAudio forwards a microphone frame to the open transcription stream.
func (l *Loop) SendAudio(chunk []byte) error {
	l.mu.Lock()
	session := l.session
	l.lastAudioAt = time.Now()
	l.mu.Unlock()
	if session == nil {
		return errors.New("voice: not listening")
	}
	return session.SendAudio(chunk)
}

// StopListening force-commits any buffered audio, waits a short grace period
// for the resulting final transcript, then tears the stream down. The forced
// commit means an utterance cut off by the player's stop button is still
// processed rather than lost.
func (l *Loop) StopListening() error {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return nil
	}

	if err := session.Commit(); err != nil {
		l.log.Warn("forced commit failed", "error", err)
	}
	time.Sleep(l.graceDelay)
	return l.teardownStream()
}

// teardownStream closes the open session and settles the state. Safe to call
// with no stream open.
func (l *Loop) teardownStream() error {
	l.mu.Lock()
	session := l.session
	done, quit := l.recvDone, l.recvQuit
	l.session = nil
	l.recvDone = nil
	l.recvQuit = nil
	l.mu.Unlock()
	if session == nil {
		return nil
	}

	err := session.Close()
	if quit != nil {
		close(quit)
	}
	if done != nil {
		<-done
	}

	l.mu.Lock()
	if l.state == StateListening || l.state == StateConnecting {
		l.setStateLocked(StateIdle)
	}
	l.mu.Unlock()
	return err
}

// handleCommit runs one voice turn for a committed transcript. A second
// commit arriving while a turn is in flight is dropped.
func (l *Loop) handleCommit(ctx context.Context, text string) {
	if !l.beginProcessing() {
		l.log.Debug("dropped utterance, turn already in flight", "text", text)
		return
	}
	// Transcription latency: last microphone frame to committed transcript.
	l.mu.Lock()
	lastAudio := l.lastAudioAt
	l.lastAudioAt = time.Time{}
	l.mu.Unlock()
	if l.metrics != nil && !lastAudio.IsZero() {
		l.metrics.STTDuration.Record(ctx, time.Since(lastAudio).Seconds())
	}
	// Free the microphone and transcription channel for the duration of
	// inference and playback. The turn runs off the receive goroutine so
	// teardown can join it without deadlocking.
	go func() {
		l.teardownStream()
		l.runTurn(ctx, text)
	}()
}

// SendMessage feeds keyboard-entered text through the same pipeline as a
// committed transcript. Dropped silently when a turn is already in flight.
func (l *Loop) SendMessage(ctx context.Context, text string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state == StateError {
		l.mu.Unlock()
		return ErrNeedsReset
	}
	l.mu.Unlock()

	if text == "" {
		return nil
	}
	if !l.beginProcessing() {
		l.log.Debug("dropped message, turn already in flight", "text", text)
		return nil
	}
	l.runTurn(ctx, text)
	return nil
}

// beginProcessing flips the in-flight guard. Returns false if a turn is
// already running.
func (l *Loop) beginProcessing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.processing || l.closed {
		return false
	}
	l.processing = true
	l.setStateLocked(StateProcessing)
	return true
}

// runTurn submits the utterance to the game master, then synthesizes and
// plays the narration. The orchestrator call always runs to completion once
// started; Close only skips the playback that would follow.
func (l *Loop) runTurn(ctx context.Context, text string) {
	l.mu.Lock()
	history := make([]types.Message, len(l.history))
	copy(history, l.history)
	l.mu.Unlock()

	narration, err := l.cfg.Responder.Respond(ctx, dm.Turn{
		SessionID: l.cfg.SessionID,
		PlayerID:  l.cfg.PlayerID,
		Utterance: text,
		History:   history,
	})
	if err != nil {
		l.fail(fmt.Errorf("voice: respond: %w", err))
		return
	}

	l.mu.Lock()
	l.history = append(l.history,
		types.Message{Role: "user", Content: text},
		types.Message{Role: "assistant", Content: narration},
	)
	if overflow := len(l.history) - maxHistoryMessages; overflow > 0 {
		l.history = l.history[overflow:]
	}
	closed := l.closed
	l.mu.Unlock()

	if fn := l.onNarration; fn != nil && narration != "" {
		fn(narration)
	}

	if narration != "" && l.cfg.TTS != nil && !closed {
		if err := l.speak(ctx, narration); err != nil {
			l.fail(err)
			return
		}
	}

	l.mu.Lock()
	l.processing = false
	if l.state == StateProcessing || l.state == StateSpeaking {
		// A text turn can run while a stream is still open; fall back to
		// listening in that case rather than idle.
		if l.session != nil {
			l.setStateLocked(StateListening)
		} else {
			l.setStateLocked(StateIdle)
		}
	}
	l.mu.Unlock()
}

// speak synthesizes narration and blocks until the client finishes playback.
func (l *Loop) speak(ctx context.Context, narration string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.setStateLocked(StateSpeaking)
	l.mu.Unlock()

	synthStart := time.Now()
	audio, err := l.cfg.TTS.Synthesize(ctx, narration, l.cfg.Voice)
	if l.metrics != nil {
		l.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	}
	if err != nil {
		return fmt.Errorf("voice: synthesize: %w", err)
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}
	if err := l.cfg.Speaker.Speak(ctx, audio); err != nil {
		return fmt.Errorf("voice: playback: %w", err)
	}
	return nil
}

// fail moves the loop to the error state. Recovery requires Reset.
func (l *Loop) fail(err error) {
	l.log.Error("voice turn failed", "error", err)
	l.mu.Lock()
	l.processing = false
	if !l.closed {
		l.setStateLocked(StateError)
	}
	l.mu.Unlock()
	go l.teardownStream()
}

// Reset returns an errored loop to idle. No-op in any other state.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.state != StateError {
		return
	}
	l.processing = false
	l.setStateLocked(StateIdle)
}

// Err reports whether the loop is in the error state.
func (l *Loop) Err() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateError
}

// Close releases the transcription stream immediately. An in-flight
// game-master turn is allowed to finish (its store writes are not rolled
// back) but no further playback starts. Close is idempotent.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.teardownStream()
}
