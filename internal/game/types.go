// Package game implements the session lifecycle, turn management, event log,
// and game-state ledger for Duskhall sessions.
//
// A Session is one running game instance, identified by a human-enterable
// join code. Players join without prior accounts; all history is recorded as
// an append-only event log scoped to the session. The Service type exposes
// every mutation as a store-backed operation; the store executes each
// mutation atomically (see the store package).
package game

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusLobby   Status = "lobby"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
)

// IsValid reports whether s is a recognised session status.
func (s Status) IsValid() bool {
	switch s {
	case StatusLobby, StatusPlaying, StatusPaused, StatusEnded:
		return true
	}
	return false
}

// TurnPhase is the sub-state of a playing session indicating whose action is
// expected next. It is only meaningful while the session status is "playing".
type TurnPhase string

const (
	PhaseIntro      TurnPhase = "intro"
	PhasePlayerTurn TurnPhase = "player_turn"
	PhaseDMSpeaking TurnPhase = "dm_speaking"
	PhaseWaiting    TurnPhase = "waiting"
)

// IsValid reports whether p is a recognised turn phase.
func (p TurnPhase) IsValid() bool {
	switch p {
	case PhaseIntro, PhasePlayerTurn, PhaseDMSpeaking, PhaseWaiting:
		return true
	}
	return false
}

// EventType classifies an event log entry.
type EventType string

const (
	EventNarration    EventType = "narration"
	EventPlayerAction EventType = "player_action"
	EventSoundEffect  EventType = "sound_effect"
	EventSceneChange  EventType = "scene_change"
)

// IsValid reports whether t is a recognised event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventNarration, EventPlayerAction, EventSoundEffect, EventSceneChange:
		return true
	}
	return false
}

// GameState is the mutable per-session ledger. It is mutated only through
// [StateUpdate] transitions applied by [Service.ApplyGameState]; direct field
// writes bypass clamping and must not be used outside tests.
type GameState struct {
	// HP is the party's shared hit points, clamped to [0, 100].
	HP int `json:"hp"`

	// Gold is the party's currency, never negative.
	Gold int `json:"gold"`

	// Inventory is an ordered set of item names. Insertion order is
	// preserved; duplicates are rejected on insert.
	Inventory []string `json:"inventory"`

	// Flags holds named boolean story flags (e.g. "found_clue_1").
	Flags map[string]bool `json:"flags"`
}

// Clone returns a deep copy of the state. The store hands out clones so that
// callers can never mutate persisted state in place.
func (g GameState) Clone() GameState {
	out := GameState{HP: g.HP, Gold: g.Gold}
	if g.Inventory != nil {
		out.Inventory = make([]string, len(g.Inventory))
		copy(out.Inventory, g.Inventory)
	}
	if g.Flags != nil {
		out.Flags = make(map[string]bool, len(g.Flags))
		for k, v := range g.Flags {
			out.Flags[k] = v
		}
	}
	return out
}

// StateUpdate describes a partial game-state transition. Nil fields are left
// untouched; this is merge semantics, not replace semantics.
type StateUpdate struct {
	// HP sets the party hit points. Clamped to [0, 100] on apply.
	HP *int

	// Gold sets the party gold. Clamped to >= 0 on apply.
	Gold *int

	// AddItem inserts an item into the inventory. No-op if already present.
	AddItem string

	// RemoveItem filters an item out of the inventory.
	RemoveItem string

	// SetFlag upserts a single story flag.
	SetFlag *FlagUpdate
}

// FlagUpdate names a story flag and its new value.
type FlagUpdate struct {
	Name  string
	Value bool
}

// IsZero reports whether the update would change nothing.
func (u StateUpdate) IsZero() bool {
	return u.HP == nil && u.Gold == nil && u.AddItem == "" && u.RemoveItem == "" && u.SetFlag == nil
}

// Apply merges u into state and returns the result. HP and gold are clamped,
// inventory keeps set semantics with insertion order, flags are upserted.
func (u StateUpdate) Apply(state GameState) GameState {
	next := state.Clone()

	if u.HP != nil {
		next.HP = clamp(*u.HP, 0, 100)
	}
	if u.Gold != nil {
		next.Gold = max(*u.Gold, 0)
	}
	if u.AddItem != "" {
		present := false
		for _, item := range next.Inventory {
			if item == u.AddItem {
				present = true
				break
			}
		}
		if !present {
			next.Inventory = append(next.Inventory, u.AddItem)
		}
	}
	if u.RemoveItem != "" {
		filtered := next.Inventory[:0]
		for _, item := range next.Inventory {
			if item != u.RemoveItem {
				filtered = append(filtered, item)
			}
		}
		next.Inventory = filtered
	}
	if u.SetFlag != nil {
		if next.Flags == nil {
			next.Flags = make(map[string]bool, 1)
		}
		next.Flags[u.SetFlag.Name] = u.SetFlag.Value
	}

	return next
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Session is one running game instance.
type Session struct {
	// ID is the opaque, stable session identifier.
	ID string

	// JoinCode is the 6-character code players enter to join. Stored
	// upper-case; unique among non-ended sessions.
	JoinCode string

	// AdventureID references the scenario definition this session plays.
	AdventureID string

	// Status is the lifecycle state. Terminal once StatusEnded.
	Status Status

	// CurrentScene indexes into the adventure's scene list.
	CurrentScene int

	// GameState is the mutable party ledger.
	GameState GameState

	// LastNarration caches the most recent narration event's text for fast
	// header display. Maintained by event insertion, never written directly.
	LastNarration string

	// ActivePlayerID references the player whose turn it is, if any.
	ActivePlayerID string

	// TurnPhase is the turn sub-state.
	TurnPhase TurnPhase

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
}

// Player is one connected participant. Players are soft-deleted: IsActive
// false excludes them from rosters and turn rotation, but the row remains so
// a returning client can resume by id.
type Player struct {
	ID        string
	SessionID string
	Name      string
	Avatar    string
	IsActive  bool
	LastSeen  time.Time
}

// Event is an append-only log entry, the system of record for session
// history. Events are never mutated or deleted.
type Event struct {
	ID        string
	SessionID string
	Type      EventType

	// PlayerID is set for player_action events attributed to a player.
	PlayerID string

	Content string

	// Metadata carries optional structured detail (e.g. sound effect name,
	// game outcome). May be nil.
	Metadata map[string]string

	// Timestamp orders events within a session; insertion order breaks ties.
	Timestamp time.Time
}

// FullState is a consistent point-in-time snapshot of a session, its players,
// and its recent events. All three reflect the same store read so the UI can
// never show a turn pointer to a player absent from the roster.
type FullState struct {
	Session Session
	Players []Player
	Events  []Event
}

// MaxPlayerNameLen bounds free-text player names.
const MaxPlayerNameLen = 40
