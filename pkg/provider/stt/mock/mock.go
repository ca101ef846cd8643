// Package mock provides hand-written test doubles for the stt interfaces.
//
// A Provider hands out a caller-supplied Session and records every
// StartStream invocation. A Session exposes its transcript channels as plain
// fields so tests can feed partial and final transcripts directly:
//
//	sess := &mock.Session{
//	    PartialsCh: make(chan types.Transcript, 1),
//	    FinalsCh:   make(chan types.Transcript, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/types"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall records one Provider.StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a configurable stt.Provider double.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil, StartStream hands out a
	// fresh Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, when set, makes every StartStream call fail.
	StartStreamErr error

	// StartStreamCalls records every call in order.
	StartStreamCalls []StartStreamCall
}

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}, nil
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.StartStreamCalls = nil
	p.mu.Unlock()
}

// Session is a configurable stt.SessionHandle double. The test owns
// PartialsCh and FinalsCh: it sends the transcripts it wants the consumer to
// see and closes them when the stream should end.
type Session struct {
	mu sync.Mutex

	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript

	// Per-method error injection.
	SendAudioErr error
	CommitErr    error
	CloseErr     error

	// CommitFunc, when set, runs on every Commit after the call is recorded.
	// Useful for pushing a final transcript in response to a forced commit.
	CommitFunc func()

	// SendAudioCalls holds a copy of each audio chunk passed to SendAudio.
	SendAudioCalls [][]byte

	CommitCallCount int
	CloseCallCount  int
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns PartialsCh, which the test must have initialised.
func (s *Session) Partials() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Commit records the call, then runs CommitFunc outside the lock.
func (s *Session) Commit() error {
	s.mu.Lock()
	s.CommitCallCount++
	fn := s.CommitFunc
	err := s.CommitErr
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

// SendAudioCallCount returns how many chunks SendAudio has received.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls and counts.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CommitCallCount = 0
	s.CloseCallCount = 0
}
