package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mwalden/duskhall/internal/observe"
)

// Service-level sentinel errors. Handlers map these onto HTTP status codes.
var (
	// ErrNotFound is returned when a session, player, or adventure id does
	// not resolve.
	ErrNotFound = errors.New("game: not found")

	// ErrSessionEnded is returned for operations on an ended session.
	// Ended is terminal; nothing resurrects a session.
	ErrSessionEnded = errors.New("game: session has ended")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("game: invalid session state")

	// ErrSessionFull is returned when joining would exceed the adventure's
	// player cap.
	ErrSessionFull = errors.New("game: session is full")

	// ErrNotEnoughPlayers is returned when starting below the adventure's
	// minimum roster size.
	ErrNotEnoughPlayers = errors.New("game: not enough players")

	// ErrInvalidName is returned for empty or oversized player names.
	ErrInvalidName = errors.New("game: invalid player name")
)

// joinCodeRetries bounds collision retries during session creation.
const joinCodeRetries = 5

// DefaultEventLimit is the event window returned by snapshot reads when the
// caller does not specify one.
const DefaultEventLimit = 50

// Service exposes every session mutation as a store-backed operation.
type Service struct {
	store      Store
	adventures map[string]Adventure
	log        *slog.Logger
	metrics    *observe.Metrics
	now        func() time.Time
	newID      func() string
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithMetrics enables metric recording on service operations.
func WithMetrics(m *observe.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the id source. Intended for tests.
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a Service over st with the given adventure catalog.
func NewService(st Store, adventures []Adventure, opts ...ServiceOption) *Service {
	s := &Service{
		store:      st,
		adventures: make(map[string]Adventure, len(adventures)),
		log:        slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, a := range adventures {
		s.adventures[a.ID] = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Adventure returns the adventure with the given id.
func (s *Service) Adventure(id string) (Adventure, error) {
	a, ok := s.adventures[id]
	if !ok {
		return Adventure{}, fmt.Errorf("game: adventure %q: %w", id, ErrNotFound)
	}
	return a, nil
}

// Adventures lists the full adventure catalog.
func (s *Service) Adventures() []Adventure {
	out := make([]Adventure, 0, len(s.adventures))
	for _, a := range s.adventures {
		out = append(out, a)
	}
	return out
}

// CreateSession creates a lobby session for the given adventure, generating a
// join code unique among non-ended sessions. Code collisions are retried a
// bounded number of times.
func (s *Service) CreateSession(ctx context.Context, adventureID string) (Session, error) {
	adv, err := s.Adventure(adventureID)
	if err != nil {
		return Session{}, err
	}

	for attempt := 0; attempt < joinCodeRetries; attempt++ {
		code, err := NewJoinCode()
		if err != nil {
			return Session{}, fmt.Errorf("game: create session: %w", err)
		}
		sess := Session{
			ID:          s.newID(),
			JoinCode:    code,
			AdventureID: adv.ID,
			Status:      StatusLobby,
			GameState:   adv.InitialGameState(),
			TurnPhase:   PhaseWaiting,
			CreatedAt:   s.now(),
		}
		err = s.store.CreateSession(ctx, sess)
		if errors.Is(err, ErrDuplicateJoinCode) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("game: create session: %w", err)
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, 1)
		}
		s.log.Info("session created",
			"session_id", sess.ID, "adventure", adv.ID, "join_code", code)
		return sess, nil
	}
	return Session{}, fmt.Errorf("game: create session: join code space exhausted after %d attempts", joinCodeRetries)
}

// JoinSession adds a player to the session identified by code. Codes are
// matched case-insensitively. Joining mid-game is allowed; joining an ended
// session is not.
func (s *Service) JoinSession(ctx context.Context, code, name, avatar string) (Player, Session, error) {
	if name == "" || len(name) > MaxPlayerNameLen {
		return Player{}, Session{}, ErrInvalidName
	}

	sess, err := s.store.SessionByCode(ctx, NormalizeJoinCode(code))
	if errors.Is(err, ErrNotFound) {
		return Player{}, Session{}, ErrNotFound
	}
	if err != nil {
		return Player{}, Session{}, fmt.Errorf("game: join session: %w", err)
	}
	if sess.Status == StatusEnded {
		return Player{}, Session{}, ErrSessionEnded
	}

	adv, err := s.Adventure(sess.AdventureID)
	if err != nil {
		return Player{}, Session{}, err
	}
	if adv.MaxPlayers > 0 {
		roster, err := s.store.PlayersBySession(ctx, sess.ID, true)
		if err != nil {
			return Player{}, Session{}, fmt.Errorf("game: join session: %w", err)
		}
		if len(roster) >= adv.MaxPlayers {
			return Player{}, Session{}, ErrSessionFull
		}
	}

	p := Player{
		ID:        s.newID(),
		SessionID: sess.ID,
		Name:      name,
		Avatar:    avatar,
		IsActive:  true,
		LastSeen:  s.now(),
	}
	if err := s.store.CreatePlayer(ctx, p); err != nil {
		return Player{}, Session{}, fmt.Errorf("game: join session: %w", err)
	}

	err = s.AppendEvent(ctx, Event{
		SessionID: sess.ID,
		Type:      EventPlayerAction,
		PlayerID:  p.ID,
		Content:   name + " joined the party",
	})
	if err != nil {
		return Player{}, Session{}, err
	}

	if s.metrics != nil {
		s.metrics.ConnectedPlayers.Add(ctx, 1)
	}
	s.log.Info("player joined", "session_id", sess.ID, "player_id", p.ID, "name", name)
	return p, sess, nil
}

// StartGame moves a lobby session into play. The session enters the intro
// phase with the first player as active, and the opening scene is logged.
func (s *Service) StartGame(ctx context.Context, sessionID string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusLobby {
		if sess.Status == StatusEnded {
			return ErrSessionEnded
		}
		return fmt.Errorf("game: start from %q: %w", sess.Status, ErrInvalidState)
	}

	adv, err := s.Adventure(sess.AdventureID)
	if err != nil {
		return err
	}
	roster, err := s.store.PlayersBySession(ctx, sessionID, true)
	if err != nil {
		return fmt.Errorf("game: start game: %w", err)
	}
	if len(roster) < adv.MinPlayers {
		return fmt.Errorf("game: %d of %d players: %w", len(roster), adv.MinPlayers, ErrNotEnoughPlayers)
	}

	playing := StatusPlaying
	intro := PhaseIntro
	first := roster[0].ID
	err = s.store.PatchSession(ctx, sessionID, SessionPatch{
		Status:         &playing,
		TurnPhase:      &intro,
		ActivePlayerID: &first,
	})
	if err != nil {
		return fmt.Errorf("game: start game: %w", err)
	}

	opening := ""
	if adv.SceneCount() > 0 {
		opening = adv.Scenes[0]
	}
	err = s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventSceneChange,
		Content:   opening,
		Metadata:  map[string]string{"scene": "0"},
	})
	if err != nil {
		return err
	}

	s.log.Info("game started", "session_id", sessionID, "players", len(roster))
	return nil
}

// PauseGame toggles a session between playing and paused. Any other starting
// state is rejected.
func (s *Service) PauseGame(ctx context.Context, sessionID string) (Status, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var next Status
	switch sess.Status {
	case StatusPlaying:
		next = StatusPaused
	case StatusPaused:
		next = StatusPlaying
	case StatusEnded:
		return "", ErrSessionEnded
	default:
		return "", fmt.Errorf("game: pause from %q: %w", sess.Status, ErrInvalidState)
	}

	if err := s.store.PatchSession(ctx, sessionID, SessionPatch{Status: &next}); err != nil {
		return "", fmt.Errorf("game: pause game: %w", err)
	}
	s.log.Info("session paused/resumed", "session_id", sessionID, "status", next)
	return next, nil
}

// EndGame terminates a session. Ending an already-ended session is a no-op,
// so retried tool calls stay harmless. A non-empty finalNarration is logged
// with the outcome before the status flips.
func (s *Service) EndGame(ctx context.Context, sessionID, outcome, finalNarration string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == StatusEnded {
		return nil
	}

	if finalNarration != "" {
		err = s.AppendEvent(ctx, Event{
			SessionID: sessionID,
			Type:      EventNarration,
			Content:   finalNarration,
			Metadata:  map[string]string{"outcome": outcome},
		})
		if err != nil {
			return err
		}
	}

	ended := StatusEnded
	waiting := PhaseWaiting
	none := ""
	err = s.store.PatchSession(ctx, sessionID, SessionPatch{
		Status:         &ended,
		TurnPhase:      &waiting,
		ActivePlayerID: &none,
	})
	if err != nil {
		return fmt.Errorf("game: end game: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	s.log.Info("game ended", "session_id", sessionID, "outcome", outcome)
	return nil
}

// SetActivePlayer hands the turn to the given player, who must be an active
// member of the session's roster.
func (s *Service) SetActivePlayer(ctx context.Context, sessionID, playerID string) error {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == StatusEnded {
		return ErrSessionEnded
	}

	p, err := s.store.Player(ctx, playerID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("game: set active player: %w", err)
	}
	if p.SessionID != sessionID || !p.IsActive {
		return ErrNotFound
	}

	phase := PhasePlayerTurn
	err = s.store.PatchSession(ctx, sessionID, SessionPatch{
		ActivePlayerID: &playerID,
		TurnPhase:      &phase,
	})
	if err != nil {
		return fmt.Errorf("game: set active player: %w", err)
	}

	return s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventSceneChange,
		Content:   fmt.Sprintf("It's %s's turn to speak.", p.Name),
	})
}

// NextPlayer advances the turn pointer round-robin over the session's active
// players, in join order. If the current active player has left the roster,
// the turn goes to the first player. With nobody active the rotation is a
// no-op and the returned Player is zero.
func (s *Service) NextPlayer(ctx context.Context, sessionID string) (Player, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return Player{}, err
	}
	if sess.Status == StatusEnded {
		return Player{}, ErrSessionEnded
	}

	roster, err := s.store.PlayersBySession(ctx, sessionID, true)
	if err != nil {
		return Player{}, fmt.Errorf("game: next player: %w", err)
	}
	if len(roster) == 0 {
		return Player{}, nil
	}

	idx := -1
	for i, p := range roster {
		if p.ID == sess.ActivePlayerID {
			idx = i
			break
		}
	}
	next := roster[(idx+1)%len(roster)]

	phase := PhasePlayerTurn
	err = s.store.PatchSession(ctx, sessionID, SessionPatch{
		ActivePlayerID: &next.ID,
		TurnPhase:      &phase,
	})
	if err != nil {
		return Player{}, fmt.Errorf("game: next player: %w", err)
	}

	err = s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventSceneChange,
		Content:   fmt.Sprintf("It's %s's turn to speak.", next.Name),
	})
	if err != nil {
		return Player{}, err
	}
	return next, nil
}

// LeaveSession soft-deletes a player from their session. The row survives so
// a returning client can resume by id. If the leaver held the turn, the turn
// advances to the next remaining player.
func (s *Service) LeaveSession(ctx context.Context, playerID string) error {
	p, err := s.store.Player(ctx, playerID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("game: leave session: %w", err)
	}

	inactive := false
	if err := s.store.PatchPlayer(ctx, playerID, PlayerPatch{IsActive: &inactive}); err != nil {
		return fmt.Errorf("game: leave session: %w", err)
	}
	if s.metrics != nil && p.IsActive {
		s.metrics.ConnectedPlayers.Add(ctx, -1)
	}

	err = s.AppendEvent(ctx, Event{
		SessionID: p.SessionID,
		Type:      EventPlayerAction,
		PlayerID:  p.ID,
		Content:   p.Name + " left the party",
	})
	if err != nil {
		return err
	}

	sess, err := s.Session(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if sess.ActivePlayerID != playerID || sess.Status == StatusEnded {
		return nil
	}

	roster, err := s.store.PlayersBySession(ctx, p.SessionID, true)
	if err != nil {
		return fmt.Errorf("game: leave session: %w", err)
	}
	if len(roster) == 0 {
		// Last player out. Park the session until someone returns.
		none := ""
		waiting := PhaseWaiting
		err = s.store.PatchSession(ctx, p.SessionID, SessionPatch{
			ActivePlayerID: &none,
			TurnPhase:      &waiting,
		})
		if err != nil {
			return fmt.Errorf("game: leave session: %w", err)
		}
		return nil
	}

	_, err = s.NextPlayer(ctx, p.SessionID)
	return err
}

// PlayerHeartbeat records liveness for a player. A heartbeat from a player
// marked inactive reactivates them, so a dropped client rejoins the rotation
// simply by reconnecting.
func (s *Service) PlayerHeartbeat(ctx context.Context, playerID string) error {
	p, err := s.store.Player(ctx, playerID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("game: heartbeat: %w", err)
	}

	active := true
	seen := s.now()
	if err := s.store.PatchPlayer(ctx, playerID, PlayerPatch{IsActive: &active, LastSeen: &seen}); err != nil {
		return fmt.Errorf("game: heartbeat: %w", err)
	}
	if s.metrics != nil && !p.IsActive {
		s.metrics.ConnectedPlayers.Add(ctx, 1)
	}
	return nil
}

// LogPlayerAction records what a player said or did as a player_action event.
func (s *Service) LogPlayerAction(ctx context.Context, sessionID, playerID, content string) error {
	return s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventPlayerAction,
		PlayerID:  playerID,
		Content:   content,
	})
}

// AppendEvent appends e to the session's log, filling in id and timestamp if
// unset. Appending a narration also refreshes the session's cached
// LastNarration; the event log itself remains the system of record.
func (s *Service) AppendEvent(ctx context.Context, e Event) error {
	if !e.Type.IsValid() {
		return fmt.Errorf("game: append event: unknown type %q: %w", e.Type, ErrInvalidState)
	}
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	if err := s.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("game: append event: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordEventAppended(ctx, string(e.Type))
	}

	if e.Type == EventNarration {
		text := e.Content
		err := s.store.PatchSession(ctx, e.SessionID, SessionPatch{LastNarration: &text})
		if err != nil {
			return fmt.Errorf("game: cache narration: %w", err)
		}
	}
	return nil
}

// ChangeScene advances the session to the next scene in its adventure and
// logs the transition. The scene index saturates at the adventure's last
// scene.
func (s *Service) ChangeScene(ctx context.Context, sessionID, description string) (int, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status == StatusEnded {
		return 0, ErrSessionEnded
	}

	adv, err := s.Adventure(sess.AdventureID)
	if err != nil {
		return 0, err
	}
	next := sess.CurrentScene + 1
	if adv.SceneCount() > 0 && next >= adv.SceneCount() {
		next = adv.SceneCount() - 1
	}

	if next != sess.CurrentScene {
		if err := s.store.PatchSession(ctx, sessionID, SessionPatch{CurrentScene: &next}); err != nil {
			return 0, fmt.Errorf("game: change scene: %w", err)
		}
	}

	err = s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventSceneChange,
		Content:   description,
		Metadata:  map[string]string{"scene": fmt.Sprint(next)},
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// SetScene moves the session to the given scene index, clamped to the
// adventure's scene list, and logs the transition. Returns the index actually
// stored.
func (s *Service) SetScene(ctx context.Context, sessionID string, scene int) (int, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Status == StatusEnded {
		return 0, ErrSessionEnded
	}

	adv, err := s.Adventure(sess.AdventureID)
	if err != nil {
		return 0, err
	}
	if scene < 0 {
		scene = 0
	}
	if adv.SceneCount() > 0 && scene >= adv.SceneCount() {
		scene = adv.SceneCount() - 1
	}

	if scene != sess.CurrentScene {
		if err := s.store.PatchSession(ctx, sessionID, SessionPatch{CurrentScene: &scene}); err != nil {
			return 0, fmt.Errorf("game: set scene: %w", err)
		}
	}

	err = s.AppendEvent(ctx, Event{
		SessionID: sessionID,
		Type:      EventSceneChange,
		Content:   fmt.Sprintf("Moving to scene %d", scene),
		Metadata:  map[string]string{"scene": fmt.Sprint(scene)},
	})
	if err != nil {
		return 0, err
	}
	return scene, nil
}

// ApplyGameState merges a partial state update into the session's ledger and
// returns the resulting state. The merge itself happens inside the store, so
// concurrent updates to different parts of the state all land.
func (s *Service) ApplyGameState(ctx context.Context, sessionID string, update StateUpdate) (GameState, error) {
	sess, err := s.Session(ctx, sessionID)
	if err != nil {
		return GameState{}, err
	}
	if sess.Status == StatusEnded {
		return GameState{}, ErrSessionEnded
	}
	if update.IsZero() {
		return sess.GameState, nil
	}

	next, err := s.store.MergeGameState(ctx, sessionID, update)
	if err != nil {
		return GameState{}, fmt.Errorf("game: apply state: %w", err)
	}
	return next, nil
}

// SetTurnPhase moves the session's turn sub-state.
func (s *Service) SetTurnPhase(ctx context.Context, sessionID string, phase TurnPhase) error {
	if !phase.IsValid() {
		return fmt.Errorf("game: unknown turn phase %q: %w", phase, ErrInvalidState)
	}
	err := s.store.PatchSession(ctx, sessionID, SessionPatch{TurnPhase: &phase})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("game: set turn phase: %w", err)
	}
	return nil
}

// Session returns the session with the given id.
func (s *Service) Session(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.store.Session(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("game: get session: %w", err)
	}
	return sess, nil
}

// SessionByCode returns the most recently created session whose join code
// matches. Codes are normalized to upper-case before lookup.
func (s *Service) SessionByCode(ctx context.Context, code string) (Session, error) {
	sess, err := s.store.SessionByCode(ctx, NormalizeJoinCode(code))
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("game: get session by code: %w", err)
	}
	return sess, nil
}

// Players returns the session's roster, optionally restricted to active
// players, in join order.
func (s *Service) Players(ctx context.Context, sessionID string, activeOnly bool) ([]Player, error) {
	players, err := s.store.PlayersBySession(ctx, sessionID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("game: list players: %w", err)
	}
	return players, nil
}

// RecentEvents returns the session's newest events in chronological order.
func (s *Service) RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	events, err := s.store.RecentEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("game: recent events: %w", err)
	}
	return events, nil
}

// ListOpenSessions returns every session not yet ended, newest first.
func (s *Service) ListOpenSessions(ctx context.Context) ([]Session, error) {
	sessions, err := s.store.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("game: list open sessions: %w", err)
	}
	return sessions, nil
}

// FullState returns a consistent snapshot of the session, its roster, and its
// recent events.
func (s *Service) FullState(ctx context.Context, sessionID string, eventLimit int) (FullState, error) {
	if eventLimit <= 0 {
		eventLimit = DefaultEventLimit
	}
	fs, err := s.store.FullState(ctx, sessionID, eventLimit)
	if errors.Is(err, ErrNotFound) {
		return FullState{}, ErrNotFound
	}
	if err != nil {
		return FullState{}, fmt.Errorf("game: full state: %w", err)
	}
	return fs, nil
}

// Watch returns a channel that signals whenever the session's state changes.
// The channel coalesces bursts and closes when ctx is cancelled.
func (s *Service) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	ch, err := s.store.Watch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("game: watch: %w", err)
	}
	return ch, nil
}
