package config

import (
	"slices"

	"github.com/mwalden/duskhall/internal/game"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// store changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any narrator voice default changed.
	VoiceChanged bool

	// AdventuresChanged is true if any inline adventure was added, removed,
	// or modified.
	AdventuresChanged bool
	AdventureChanges  []AdventureDiff
}

// AdventureDiff describes what changed for a single inline adventure.
type AdventureDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}

	oldAdvs := make(map[string]int, len(old.Adventures.Inline))
	for i, adv := range old.Adventures.Inline {
		oldAdvs[adv.ID] = i
	}
	newAdvs := make(map[string]int, len(new.Adventures.Inline))
	for i, adv := range new.Adventures.Inline {
		newAdvs[adv.ID] = i
	}

	for id, oi := range oldAdvs {
		ni, exists := newAdvs[id]
		if !exists {
			d.AdventureChanges = append(d.AdventureChanges, AdventureDiff{ID: id, Removed: true})
			d.AdventuresChanged = true
			continue
		}
		if !adventureEqual(old.Adventures.Inline[oi], new.Adventures.Inline[ni]) {
			d.AdventureChanges = append(d.AdventureChanges, AdventureDiff{ID: id, Modified: true})
			d.AdventuresChanged = true
		}
	}
	for id := range newAdvs {
		if _, exists := oldAdvs[id]; !exists {
			d.AdventureChanges = append(d.AdventureChanges, AdventureDiff{ID: id, Added: true})
			d.AdventuresChanged = true
		}
	}

	return d
}

func adventureEqual(a, b game.Adventure) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.SystemPrompt == b.SystemPrompt &&
		a.MinPlayers == b.MinPlayers &&
		a.MaxPlayers == b.MaxPlayers &&
		a.VoiceID == b.VoiceID &&
		a.StartingState.HP == b.StartingState.HP &&
		a.StartingState.Gold == b.StartingState.Gold &&
		slices.Equal(a.StartingState.Inventory, b.StartingState.Inventory) &&
		slices.Equal(a.Scenes, b.Scenes)
}
