// Package scribe provides an ElevenLabs Scribe-backed STT provider using the
// ElevenLabs realtime speech-to-text WebSocket API. It implements the
// stt.Provider interface.
package scribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/types"
)

const (
	scribeEndpoint    = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	defaultModel      = "scribe_v1_realtime"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Scribe Provider.
type Option func(*Provider)

// WithModel sets the Scribe model ID.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the ElevenLabs Scribe realtime API.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
}

// New creates a new Scribe Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("scribe: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Token returns a credential that a browser client can use to open its own
// Scribe realtime connection. ElevenLabs accepts the API key directly as the
// connection token.
func (p *Provider) Token(_ context.Context) (string, error) {
	return p.apiKey, nil
}

// StartStream opens a realtime transcription session with ElevenLabs Scribe.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	cfg = cfg.Normalized()

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("scribe: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("scribe: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Scribe realtime endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(scribeEndpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	// Scribe VAD settings are in seconds.
	q.Set("vad_silence_threshold_secs",
		strconv.FormatFloat(cfg.CommitSilence.Seconds(), 'g', -1, 64))
	q.Set("vad_min_speech_secs",
		strconv.FormatFloat(cfg.MinSpeech.Seconds(), 'g', -1, 64))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// audioChunkMessage is the JSON payload sent per audio chunk.
type audioChunkMessage struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base_64"`
}

// controlMessage is a bare control frame (commit, close).
type controlMessage struct {
	Type string `json:"type"`
}

// scribeResponse is the JSON structure received from Scribe.
type scribeResponse struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Text       string  `json:"text"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// session is a live Scribe realtime session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Scribe.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("scribe: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("scribe: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Commit asks Scribe to finalise whatever audio it has buffered, without
// waiting for the silence threshold.
func (s *session) Commit() error {
	select {
	case <-s.done:
		return errors.New("scribe: session is closed")
	default:
	}
	msg, _ := json.Marshal(controlMessage{Type: "commit"})
	if err := s.conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		return fmt.Errorf("scribe: commit: %w", err)
	}
	return nil
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		msg, _ := json.Marshal(controlMessage{Type: "close"})
		_ = s.conn.Write(context.Background(), websocket.MessageText, msg)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends base64 chunk messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.writeChunk(ctx, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.writeChunk(ctx, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) writeChunk(ctx context.Context, chunk []byte) error {
	msg, err := json.Marshal(audioChunkMessage{
		Type:        "audio",
		AudioBase64: base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

// readLoop receives JSON messages from Scribe and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseScribeResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseScribeResponse parses a raw Scribe WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message
// should be ignored.
func parseScribeResponse(data []byte) (types.Transcript, bool) {
	var resp scribeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}

	var isFinal bool
	switch resp.Type {
	case "partial_transcript":
		isFinal = false
	case "final_transcript", "committed_transcript":
		isFinal = true
	default:
		return types.Transcript{}, false
	}

	words := make([]types.WordDetail, 0, len(resp.Words))
	for _, w := range resp.Words {
		words = append(words, types.WordDetail{
			Word:       w.Text,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       resp.Text,
		IsFinal:    isFinal,
		Confidence: resp.Confidence,
		Words:      words,
	}, true
}
