// Package memory provides a thread-safe, in-memory implementation of
// [game.Store]. It is the default backend for local development and the
// fixture used throughout the test suites.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mwalden/duskhall/internal/game"
)

// Compile-time assertion that Store satisfies the store contract.
var _ game.Store = (*Store)(nil)

// Store is an in-memory [game.Store]. Use [New] to obtain one.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]game.Session
	players  map[string]game.Player
	events   map[string][]game.Event // sessionID → insertion-ordered log

	playerSeq map[string][]string // sessionID → player ids in insertion order

	watchMu  sync.Mutex
	watchers map[string][]chan struct{} // sessionID → subscriber signals
}

// New returns an initialised in-memory Store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]game.Session),
		players:   make(map[string]game.Player),
		events:    make(map[string][]game.Event),
		playerSeq: make(map[string][]string),
		watchers:  make(map[string][]chan struct{}),
	}
}

// CreateSession implements [game.Store.CreateSession].
func (s *Store) CreateSession(_ context.Context, sess game.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return game.ErrDuplicateID
	}
	for _, other := range s.sessions {
		if other.JoinCode == sess.JoinCode && other.Status != game.StatusEnded {
			return game.ErrDuplicateJoinCode
		}
	}

	sess.GameState = sess.GameState.Clone()
	s.sessions[sess.ID] = sess
	s.notifyLocked(sess.ID)
	return nil
}

// Session implements [game.Store.Session].
func (s *Store) Session(_ context.Context, id string) (game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return game.Session{}, game.ErrNotFound
	}
	sess.GameState = sess.GameState.Clone()
	return sess, nil
}

// SessionByCode implements [game.Store.SessionByCode]. When multiple
// sessions share a code (an ended session's code may have been reissued),
// the most recently created wins.
func (s *Store) SessionByCode(_ context.Context, code string) (game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found game.Session
		ok    bool
	)
	for _, sess := range s.sessions {
		if sess.JoinCode != code {
			continue
		}
		if !ok || sess.CreatedAt.After(found.CreatedAt) {
			found, ok = sess, true
		}
	}
	if !ok {
		return game.Session{}, game.ErrNotFound
	}
	found.GameState = found.GameState.Clone()
	return found, nil
}

// PatchSession implements [game.Store.PatchSession].
func (s *Store) PatchSession(_ context.Context, id string, p game.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return game.ErrNotFound
	}

	if p.Status != nil {
		sess.Status = *p.Status
	}
	if p.CurrentScene != nil {
		sess.CurrentScene = *p.CurrentScene
	}
	if p.GameState != nil {
		sess.GameState = p.GameState.Clone()
	}
	if p.LastNarration != nil {
		sess.LastNarration = *p.LastNarration
	}
	if p.ActivePlayerID != nil {
		sess.ActivePlayerID = *p.ActivePlayerID
	}
	if p.TurnPhase != nil {
		sess.TurnPhase = *p.TurnPhase
	}

	s.sessions[id] = sess
	s.notifyLocked(id)
	return nil
}

// MergeGameState implements [game.Store.MergeGameState]. Read, merge, and
// write all happen under one lock acquisition, so concurrent partial updates
// serialize instead of overwriting each other.
func (s *Store) MergeGameState(_ context.Context, id string, update game.StateUpdate) (game.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return game.GameState{}, game.ErrNotFound
	}

	sess.GameState = update.Apply(sess.GameState)
	s.sessions[id] = sess
	s.notifyLocked(id)
	return sess.GameState.Clone(), nil
}

// ListOpenSessions implements [game.Store.ListOpenSessions].
func (s *Store) ListOpenSessions(_ context.Context) ([]game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]game.Session, 0)
	for _, sess := range s.sessions {
		if sess.Status == game.StatusEnded {
			continue
		}
		sess.GameState = sess.GameState.Clone()
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreatePlayer implements [game.Store.CreatePlayer].
func (s *Store) CreatePlayer(_ context.Context, p game.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[p.ID]; exists {
		return game.ErrDuplicateID
	}
	s.players[p.ID] = p
	s.playerSeq[p.SessionID] = append(s.playerSeq[p.SessionID], p.ID)
	s.notifyLocked(p.SessionID)
	return nil
}

// Player implements [game.Store.Player].
func (s *Store) Player(_ context.Context, id string) (game.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return game.Player{}, game.ErrNotFound
	}
	return p, nil
}

// PlayersBySession implements [game.Store.PlayersBySession].
func (s *Store) PlayersBySession(_ context.Context, sessionID string, activeOnly bool) ([]game.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.playersLocked(sessionID, activeOnly), nil
}

// playersLocked returns players in insertion order. Caller holds s.mu.
func (s *Store) playersLocked(sessionID string, activeOnly bool) []game.Player {
	ids := s.playerSeq[sessionID]
	out := make([]game.Player, 0, len(ids))
	for _, id := range ids {
		p, ok := s.players[id]
		if !ok {
			continue
		}
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PatchPlayer implements [game.Store.PatchPlayer].
func (s *Store) PatchPlayer(_ context.Context, id string, patch game.PlayerPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[id]
	if !ok {
		return game.ErrNotFound
	}
	if patch.IsActive != nil {
		p.IsActive = *patch.IsActive
	}
	if patch.LastSeen != nil {
		p.LastSeen = *patch.LastSeen
	}
	s.players[id] = p
	s.notifyLocked(p.SessionID)
	return nil
}

// AppendEvent implements [game.Store.AppendEvent]. The log is append-only;
// insertion order is the tiebreak for equal timestamps.
func (s *Store) AppendEvent(_ context.Context, e game.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events[e.SessionID] = append(s.events[e.SessionID], e)
	s.notifyLocked(e.SessionID)
	return nil
}

// RecentEvents implements [game.Store.RecentEvents].
func (s *Store) RecentEvents(_ context.Context, sessionID string, limit int) ([]game.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recentLocked(sessionID, limit), nil
}

func (s *Store) recentLocked(sessionID string, limit int) []game.Event {
	log := s.events[sessionID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]game.Event, limit)
	copy(out, log[len(log)-limit:])
	return out
}

// FullState implements [game.Store.FullState]. All three collections are
// read under one lock acquisition, giving a consistent snapshot.
func (s *Store) FullState(_ context.Context, sessionID string, eventLimit int) (game.FullState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return game.FullState{}, game.ErrNotFound
	}
	sess.GameState = sess.GameState.Clone()

	return game.FullState{
		Session: sess,
		Players: s.playersLocked(sessionID, false),
		Events:  s.recentLocked(sessionID, eventLimit),
	}, nil
}

// Watch implements [game.Store.Watch].
func (s *Store) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.watchMu.Lock()
	s.watchers[sessionID] = append(s.watchers[sessionID], ch)
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		subs := s.watchers[sessionID]
		for i, sub := range subs {
			if sub == ch {
				s.watchers[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.watchMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Ping implements [game.Store.Ping].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [game.Store.Close].
func (s *Store) Close() {}

// notifyLocked signals all watchers of sessionID. Signals are non-blocking:
// a watcher that has not drained its previous signal is not signalled again.
func (s *Store) notifyLocked(sessionID string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, ch := range s.watchers[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
