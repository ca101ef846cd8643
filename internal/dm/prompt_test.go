package dm

import (
	"strings"
	"testing"

	"github.com/mwalden/duskhall/internal/game"
)

func TestSystemPrompt_FullState(t *testing.T) {
	adv := game.Adventure{SystemPrompt: "You are the keeper of the manor."}
	sess := game.Session{
		CurrentScene: 2,
		GameState: game.GameState{
			HP:        85,
			Gold:      42,
			Inventory: []string{"lantern", "rusty key"},
			Flags:     map[string]bool{"found_clue_1": true},
		},
	}
	roster := []game.Player{
		{Name: "Alice", Avatar: "🕵️"},
		{Name: "Bob"},
	}
	events := []game.Event{
		{Type: game.EventNarration, Content: "The storm howls outside."},
		{Type: game.EventPlayerAction, Content: `Alice: "I check the window"`},
	}

	got := systemPrompt(adv, sess, roster, events)

	for _, want := range []string{
		"You are the keeper of the manor.",
		"CURRENT GAME STATE:",
		"- HP: 85",
		"- Gold: 42",
		"- Inventory: lantern, rusty key",
		"- Current Scene: 2",
		`- Flags: {"found_clue_1":true}`,
		"PLAYERS IN SESSION:",
		"- 🕵️ Alice",
		"- Bob",
		"RECENT EVENTS:",
		"[narration] The storm howls outside.",
		`[player_action] Alice: "I check the window"`,
		"use the setActivePlayer tool",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	// Scenario instructions come first, the closing directives last.
	if !strings.HasPrefix(got, "You are the keeper of the manor.") {
		t.Error("prompt does not start with the adventure instructions")
	}
	if !strings.HasSuffix(got, "Use sound effects sparingly for atmosphere.") {
		t.Error("prompt does not end with the style directives")
	}
}

func TestSystemPrompt_EmptyState(t *testing.T) {
	got := systemPrompt(game.Adventure{SystemPrompt: "GM."}, game.Session{}, nil, nil)

	for _, want := range []string{
		"- Inventory: Empty",
		"- Flags: {}",
		"No players yet",
		"None yet",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestEventBlock_KeepsLastFive(t *testing.T) {
	events := make([]game.Event, 0, 8)
	for _, content := range []string{"one", "two", "three", "four", "five", "six", "seven", "eight"} {
		events = append(events, game.Event{Type: game.EventNarration, Content: content})
	}

	got := eventBlock(events)
	if strings.Contains(got, "three") {
		t.Errorf("block includes events older than the last five:\n%s", got)
	}
	for _, want := range []string{"four", "five", "six", "seven", "eight"} {
		if !strings.Contains(got, want) {
			t.Errorf("block missing %q:\n%s", want, got)
		}
	}
}
