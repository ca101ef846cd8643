// Package dm implements the game-master agent: it turns one committed player
// utterance into zero-or-more game mutations plus a narrated response, using
// an LLM with a fixed, enumerated tool surface.
//
// One turn is at most two completions. The first offers the full tool set
// with automatic tool choice; when the model requests tool calls they execute
// sequentially in model order against the game service, each structured
// result is appended to the conversation, and a second completion without
// tools produces the final narration conditioned on the tool outcomes.
//
// Tool side effects are at-least-once: a mutation that committed stays
// committed even if the narration completion afterwards fails. Game state is
// cosmetic and session-scoped, so no rollback is attempted.
package dm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwalden/duskhall/internal/game"
	"github.com/mwalden/duskhall/internal/observe"
	"github.com/mwalden/duskhall/pkg/provider/llm"
	"github.com/mwalden/duskhall/pkg/types"
)

const (
	// defaultTemperature keeps narration varied without derailing tool use.
	defaultTemperature = 0.8

	// defaultMaxTokens caps one narration response.
	defaultMaxTokens = 500

	// snapshotEventLimit is the event window fetched per turn.
	snapshotEventLimit = 20
)

// Turn is one committed utterance handed to the agent.
type Turn struct {
	// SessionID identifies the session this utterance belongs to.
	SessionID string

	// PlayerID attributes the utterance to a player. Empty for host/system
	// messages; no player_action event is logged in that case.
	PlayerID string

	// Utterance is the committed transcript or typed message.
	Utterance string

	// History is the rolling conversation so far, oldest first. The caller
	// owns capping; the agent sends it verbatim between the system prompt
	// and the new utterance.
	History []types.Message
}

// Agent orchestrates DM turns.
type Agent struct {
	game        *game.Service
	llm         llm.Provider
	log         *slog.Logger
	metrics     *observe.Metrics
	temperature float64
	maxTokens   int
}

// Option is a functional option for configuring an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithMetrics enables latency and tool-call metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTemperature overrides the sampling temperature for both completions.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens overrides the per-completion token cap.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// New creates an Agent backed by the given game service and LLM provider.
func New(svc *game.Service, provider llm.Provider, opts ...Option) (*Agent, error) {
	if svc == nil {
		return nil, fmt.Errorf("dm: game service must not be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("dm: llm provider must not be nil")
	}
	a := &Agent{
		game:        svc,
		llm:         provider,
		log:         slog.Default(),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Respond runs one DM turn and returns the narration text. The narration is
// also appended to the session's event log (updating the cached
// lastNarration) before returning, so callers only need the return value for
// speech synthesis.
//
// Any fetch or completion failure surfaces as an error; tool-call failures do
// not — they are reported in-band to the model and the turn proceeds.
func (a *Agent) Respond(ctx context.Context, turn Turn) (string, error) {
	if turn.SessionID == "" {
		return "", fmt.Errorf("dm: session id must not be empty")
	}
	turnStart := time.Now()

	if turn.PlayerID != "" {
		if err := a.logUtterance(ctx, turn); err != nil {
			return "", err
		}
	}

	fs, err := a.game.FullState(ctx, turn.SessionID, snapshotEventLimit)
	if err != nil {
		return "", fmt.Errorf("dm: snapshot: %w", err)
	}
	adv, err := a.game.Adventure(fs.Session.AdventureID)
	if err != nil {
		return "", fmt.Errorf("dm: snapshot: %w", err)
	}

	roster := activeOnly(fs.Players)
	prompt := systemPrompt(adv, fs.Session, roster, fs.Events)

	if fs.Session.Status == game.StatusPlaying {
		if err := a.game.SetTurnPhase(ctx, turn.SessionID, game.PhaseDMSpeaking); err != nil {
			return "", err
		}
	}

	messages := make([]types.Message, 0, len(turn.History)+1)
	messages = append(messages, turn.History...)
	messages = append(messages, types.Message{Role: "user", Content: turn.Utterance})

	llmStart := time.Now()
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     messages,
		Tools:        toolDefinitions(),
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	})
	if a.metrics != nil {
		a.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("dm: completion: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("dm: completion: empty response")
	}

	if len(resp.ToolCalls) > 0 {
		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			toolStart := time.Now()
			result := a.executeTool(ctx, turn.SessionID, call)
			if a.metrics != nil {
				a.metrics.ToolExecutionDuration.Record(ctx, time.Since(toolStart).Seconds())
				a.metrics.RecordToolCall(ctx, call.Name, toolStatus(result))
			}
			a.log.Debug("tool executed",
				"session_id", turn.SessionID, "tool", call.Name, "result", result)
			messages = append(messages, types.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}

		llmStart = time.Now()
		resp, err = a.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: prompt,
			Messages:     messages,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
		})
		if a.metrics != nil {
			a.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
		}
		if err != nil {
			return "", fmt.Errorf("dm: narration completion: %w", err)
		}
		if resp == nil {
			return "", fmt.Errorf("dm: narration completion: empty response")
		}
	}

	narration := resp.Content
	if narration != "" {
		err := a.game.AppendEvent(ctx, game.Event{
			SessionID: turn.SessionID,
			Type:      game.EventNarration,
			Content:   narration,
		})
		if err != nil {
			return "", err
		}
		if a.metrics != nil {
			a.metrics.RecordNarration(ctx, turn.SessionID)
		}
	}

	a.restoreTurnPhase(ctx, turn.SessionID)
	if a.metrics != nil {
		a.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}
	return narration, nil
}

// logUtterance records the player's words as a player_action event, prefixed
// with the speaker's name so the event log reads as a transcript.
func (a *Agent) logUtterance(ctx context.Context, turn Turn) error {
	players, err := a.game.Players(ctx, turn.SessionID, false)
	if err != nil {
		return fmt.Errorf("dm: log utterance: %w", err)
	}
	content := turn.Utterance
	for _, p := range players {
		if p.ID == turn.PlayerID {
			content = fmt.Sprintf("%s: %q", p.Name, turn.Utterance)
			break
		}
	}
	if err := a.game.LogPlayerAction(ctx, turn.SessionID, turn.PlayerID, content); err != nil {
		return fmt.Errorf("dm: log utterance: %w", err)
	}
	return nil
}

// restoreTurnPhase hands the floor back to the players when the turn ended
// without a setActivePlayer call (which sets player_turn itself) and without
// endGame (which parks the session). Best effort: a failure here leaves the
// phase stale until the next turn, which is harmless.
func (a *Agent) restoreTurnPhase(ctx context.Context, sessionID string) {
	sess, err := a.game.Session(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status != game.StatusPlaying || sess.TurnPhase != game.PhaseDMSpeaking {
		return
	}
	if err := a.game.SetTurnPhase(ctx, sessionID, game.PhasePlayerTurn); err != nil {
		a.log.Warn("restore turn phase", "session_id", sessionID, "error", err)
	}
}

func activeOnly(players []game.Player) []game.Player {
	out := make([]game.Player, 0, len(players))
	for _, p := range players {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}
