package game

import (
	"context"
	"errors"
	"time"
)

// Storage sentinels returned by Store implementations.
var (
	// ErrDuplicateID is returned when inserting a record whose id already
	// exists.
	ErrDuplicateID = errors.New("game: duplicate id")

	// ErrDuplicateJoinCode is returned when creating a session whose join
	// code collides with another non-ended session.
	ErrDuplicateJoinCode = errors.New("game: join code already in use")
)

// SessionPatch is a partial update to a session record. Nil fields are left
// untouched. ActivePlayerID distinguishes "clear" (pointer to empty string)
// from "leave alone" (nil).
type SessionPatch struct {
	Status         *Status
	CurrentScene   *int
	GameState      *GameState
	LastNarration  *string
	ActivePlayerID *string
	TurnPhase      *TurnPhase
}

// IsZero reports whether the patch would change nothing.
func (p SessionPatch) IsZero() bool {
	return p.Status == nil && p.CurrentScene == nil && p.GameState == nil &&
		p.LastNarration == nil && p.ActivePlayerID == nil && p.TurnPhase == nil
}

// PlayerPatch is a partial update to a player record.
type PlayerPatch struct {
	IsActive *bool
	LastSeen *time.Time
}

// Store is the persistence abstraction over sessions, players, and events.
// The memory and postgres packages implement it.
//
// Implementations must be safe for concurrent use. Each method is a single
// atomic mutation; the caller must not assume serializability across separate
// calls (two clients may race on turn state — last write wins). Game-state
// merges are the exception: MergeGameState performs the read-modify-write
// inside the store so concurrent partial updates never lose each other's
// inventory or flag changes.
type Store interface {
	// CreateSession inserts a new session. Returns ErrDuplicateJoinCode if
	// another non-ended session already holds the same join code.
	CreateSession(ctx context.Context, s Session) error

	// Session returns the session with the given id, or ErrNotFound.
	Session(ctx context.Context, id string) (Session, error)

	// SessionByCode returns the most recently created session whose join
	// code matches (stored upper-case), or ErrNotFound.
	SessionByCode(ctx context.Context, code string) (Session, error)

	// PatchSession applies a partial update atomically. ErrNotFound if the
	// session does not exist.
	PatchSession(ctx context.Context, id string, p SessionPatch) error

	// MergeGameState applies update to the session's game state as one
	// atomic read-modify-write and returns the resulting state.
	MergeGameState(ctx context.Context, id string, update StateUpdate) (GameState, error)

	// ListOpenSessions returns all non-ended sessions, newest first.
	ListOpenSessions(ctx context.Context) ([]Session, error)

	// CreatePlayer inserts a new player row.
	CreatePlayer(ctx context.Context, p Player) error

	// Player returns the player with the given id, or ErrNotFound.
	Player(ctx context.Context, id string) (Player, error)

	// PlayersBySession returns a session's players in insertion order.
	// When activeOnly is true, players with IsActive=false are excluded.
	PlayersBySession(ctx context.Context, sessionID string, activeOnly bool) ([]Player, error)

	// PatchPlayer applies a partial update atomically.
	PatchPlayer(ctx context.Context, id string, p PlayerPatch) error

	// AppendEvent inserts an event. Events are immutable once written.
	AppendEvent(ctx context.Context, e Event) error

	// RecentEvents returns the last limit events for a session in
	// chronological order (oldest of the window first).
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]Event, error)

	// FullState returns session + players + last eventLimit events as one
	// consistent point-in-time snapshot.
	FullState(ctx context.Context, sessionID string, eventLimit int) (FullState, error)

	// Watch returns a channel that receives a signal whenever the session,
	// its players, or its events change. The channel is closed when ctx is
	// cancelled. Signals are coalesced; receivers re-read state on each one.
	Watch(ctx context.Context, sessionID string) (<-chan struct{}, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}
