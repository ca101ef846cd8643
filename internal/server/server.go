// Package server exposes the HTTP and WebSocket gateway.
//
// The REST surface is a thin translation layer over the game service and the
// game-master agent; all rules live below it. Two WebSocket endpoints carry
// the live parts: /ws/sessions/{id}/watch streams full-state snapshots on
// every store change, and /ws/sessions/{id}/voice runs one voice.Loop per
// connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwalden/duskhall/internal/dm"
	"github.com/mwalden/duskhall/internal/game"
	"github.com/mwalden/duskhall/internal/health"
	"github.com/mwalden/duskhall/internal/observe"
	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/provider/tts"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Responder produces game-master narration for one player turn. *dm.Agent is
// the production implementation.
type Responder interface {
	Respond(ctx context.Context, turn dm.Turn) (string, error)
}

// TokenMinter mints a short-lived credential the browser can use to open its
// own transcription stream. The Scribe provider implements it.
type TokenMinter interface {
	Token(ctx context.Context) (string, error)
}

// Config carries the collaborators for a Server.
type Config struct {
	// Game is the session rules service. Required.
	Game *game.Service

	// DM handles player utterances and typed messages. Required for the
	// message and voice endpoints.
	DM Responder

	// STT opens server-side transcription streams for voice connections.
	// Optional; without it voice connections are text-only.
	STT stt.Provider

	// TTS synthesizes narration for voice connections. Optional.
	TTS tts.Provider

	// Voice selects the narrator voice for synthesis.
	Voice tts.VoiceSpec

	// Stream configures transcription sessions opened for voice connections.
	Stream stt.StreamConfig

	// Tokens mints client transcription credentials for GET /api/voice/token.
	// Optional; the endpoint returns 502 when unset.
	Tokens TokenMinter
}

// Option is a functional option for New.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHealth sets the health handler registered on the mux.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// Server is the HTTP gateway. Construct with New, mount via Handler, and run
// with ListenAndServe.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
}

// New validates cfg and returns a Server.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Game == nil {
		return nil, errors.New("server: game service is required")
	}
	s := &Server{
		cfg:    cfg,
		log:    slog.Default(),
		health: health.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Handler returns the fully routed HTTP handler, wrapped in the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session lifecycle.
	mux.HandleFunc("GET /api/adventures", s.handleListAdventures)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListOpenSessions)
	mux.HandleFunc("POST /api/sessions/join", s.handleJoinSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/code/{code}", s.handleGetSessionByCode)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStartGame)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handlePauseGame)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEndGame)

	// Turn management.
	mux.HandleFunc("POST /api/sessions/{id}/next-player", s.handleNextPlayer)
	mux.HandleFunc("POST /api/sessions/{id}/active-player", s.handleSetActivePlayer)

	// Player presence.
	mux.HandleFunc("POST /api/players/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/players/{id}/leave", s.handleLeave)

	// Session data.
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/game-state", s.handleGameState)

	// Voice.
	mux.HandleFunc("GET /api/voice/token", s.handleVoiceToken)
	mux.HandleFunc("POST /api/sessions/{id}/sound-effect", s.handleSoundEffect)
	mux.HandleFunc("GET /ws/sessions/{id}/watch", s.handleWatch)
	mux.HandleFunc("GET /ws/sessions/{id}/voice", s.handleVoice)

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe runs the HTTP server on addr until ctx is cancelled, then
// shuts down gracefully within shutdownTimeout. When certFile and keyFile are
// both non-empty the server terminates TLS itself.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr, "tls", certFile != "")
		if certFile != "" && keyFile != "" {
			errCh <- srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}
