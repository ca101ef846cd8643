package game

// Adventure is an immutable scenario definition. Adventures ship as static
// configuration; sessions reference them by id and never modify them.
type Adventure struct {
	// ID is the stable adventure identifier referenced by sessions.
	ID string `yaml:"id"`

	// Title is the human-readable adventure name.
	Title string `yaml:"title"`

	// SystemPrompt is the game-master persona and scenario instructions
	// injected at the top of every DM completion.
	SystemPrompt string `yaml:"system_prompt"`

	// Scenes lists scene descriptions in play order. CurrentScene indexes
	// into this list.
	Scenes []string `yaml:"scenes"`

	// MinPlayers is the quorum required to start the game.
	MinPlayers int `yaml:"min_players"`

	// MaxPlayers caps the roster. Zero means unlimited.
	MaxPlayers int `yaml:"max_players"`

	// VoiceID selects the DM narration voice for TTS.
	VoiceID string `yaml:"voice_id"`

	// StartingState seeds the session game-state ledger at creation.
	StartingState StartingState `yaml:"starting_state"`
}

// StartingState is the YAML-friendly shape of the initial game state.
type StartingState struct {
	HP        int      `yaml:"hp"`
	Gold      int      `yaml:"gold"`
	Inventory []string `yaml:"inventory"`
}

// InitialGameState returns the ledger a new session starts with.
func (a Adventure) InitialGameState() GameState {
	hp := a.StartingState.HP
	if hp <= 0 {
		hp = 100
	}
	state := GameState{
		HP:    hp,
		Gold:  max(a.StartingState.Gold, 0),
		Flags: map[string]bool{},
	}
	if len(a.StartingState.Inventory) > 0 {
		state.Inventory = make([]string, len(a.StartingState.Inventory))
		copy(state.Inventory, a.StartingState.Inventory)
	}
	return state
}

// SceneCount returns the number of scenes in the adventure.
func (a Adventure) SceneCount() int { return len(a.Scenes) }
