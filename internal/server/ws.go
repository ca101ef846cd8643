package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mwalden/duskhall/internal/game"
	"github.com/mwalden/duskhall/internal/voice"
	"github.com/mwalden/duskhall/pkg/provider/tts"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// ─── Watch endpoint ──────────────────────────────────────────────────────────

// handleWatch streams full-state snapshots over a WebSocket. The first
// snapshot is sent immediately; afterwards one is sent per store change
// signal. Signals are coalesced, so a burst of writes produces one snapshot.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	// Reject unknown sessions before upgrading.
	if _, err := s.cfg.Game.Session(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("watch: websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch closed")

	ctx := conn.CloseRead(r.Context())

	changes, err := s.cfg.Game.Watch(ctx, sessionID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "watch failed")
		return
	}

	send := func() error {
		fs, err := s.cfg.Game.FullState(ctx, sessionID, game.DefaultEventLimit)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, toFullStateJSON(fs))
	}

	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case _, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := send(); err != nil {
				return
			}
		}
	}
}

// ─── Voice endpoint ──────────────────────────────────────────────────────────

// voiceControl is an inbound text frame on the voice socket.
type voiceControl struct {
	// Type is one of "start", "stop", "text", "reset".
	Type string `json:"type"`

	// Text carries the typed message for type "text".
	Text string `json:"text,omitempty"`
}

// voiceOut is an outbound text frame on the voice socket. Narration audio
// goes out as binary frames.
type voiceOut struct {
	// Type is one of "state", "partial", "narration", "error".
	Type string `json:"type"`

	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsSpeaker delivers synthesized narration as binary WebSocket frames. It
// serializes writes with the text-frame sender via the shared mutex.
type wsSpeaker struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

var _ voice.Speaker = (*wsSpeaker)(nil)

func (s *wsSpeaker) Speak(ctx context.Context, audio tts.Audio) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(writeCtx, websocket.MessageBinary, audio.Data)
}

// handleVoice runs one voice.Loop over a WebSocket connection. Inbound
// traffic is control JSON (text frames) and raw mic audio (binary frames);
// outbound traffic is state/partial/narration JSON plus narration audio as
// binary MPEG frames.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	playerID := r.URL.Query().Get("player_id")

	if s.cfg.DM == nil {
		writeError(w, errors.New("server: no game master configured"))
		return
	}
	if _, err := s.cfg.Game.Session(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("voice: websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "voice closed")

	ctx := r.Context()
	var writeMu sync.Mutex

	sendJSON := func(msg voiceOut) {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = conn.Write(writeCtx, websocket.MessageText, data)
	}

	if s.metrics != nil {
		s.metrics.VoiceLoops.Add(ctx, 1)
		defer s.metrics.VoiceLoops.Add(ctx, -1)
	}

	loop, err := voice.NewLoop(voice.Config{
		Responder: s.cfg.DM,
		STT:       s.cfg.STT,
		TTS:       s.cfg.TTS,
		Speaker:   &wsSpeaker{conn: conn, mu: &writeMu},
		Voice:     s.cfg.Voice,
		Stream:    s.cfg.Stream,
		SessionID: sessionID,
		PlayerID:  playerID,
	},
		voice.WithLogger(s.log),
		voice.WithMetrics(s.metrics),
		voice.WithStateFunc(func(st voice.State) {
			sendJSON(voiceOut{Type: "state", State: string(st)})
		}),
		voice.WithPartialFunc(func(text string) {
			sendJSON(voiceOut{Type: "partial", Text: text})
		}),
		voice.WithNarrationFunc(func(text string) {
			sendJSON(voiceOut{Type: "narration", Text: text})
		}),
	)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "voice loop init failed")
		return
	}
	defer loop.Close()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if err := loop.SendAudio(data); err != nil {
				sendJSON(voiceOut{Type: "error", Error: err.Error()})
			}

		case websocket.MessageText:
			var ctrl voiceControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				sendJSON(voiceOut{Type: "error", Error: "malformed control message"})
				continue
			}
			s.dispatchVoiceControl(ctx, loop, ctrl, sendJSON)
		}
	}
}

// dispatchVoiceControl applies one control message to the loop. Errors are
// reported to the client but never terminate the connection; the client
// decides whether to reset or disconnect.
func (s *Server) dispatchVoiceControl(ctx context.Context, loop *voice.Loop, ctrl voiceControl, send func(voiceOut)) {
	var err error
	switch ctrl.Type {
	case "start":
		err = loop.StartListening(ctx)
	case "stop":
		err = loop.StopListening()
	case "text":
		// Typed messages run a full turn; block until narration so the
		// socket applies natural backpressure per connection.
		err = loop.SendMessage(ctx, ctrl.Text)
	case "reset":
		loop.Reset()
	default:
		err = errors.New("unknown control type " + ctrl.Type)
	}
	if err != nil {
		send(voiceOut{Type: "error", Error: err.Error()})
	}
}
