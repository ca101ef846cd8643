package dm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mwalden/duskhall/internal/game"
)

// eventSummaryCount is how many of the most recent events are summarised in
// the system prompt.
const eventSummaryCount = 5

// systemPrompt composes the full instruction block for one completion: the
// adventure's scenario instructions, the current game-state ledger, the
// active roster, and a short tail of the event log.
func systemPrompt(adv game.Adventure, sess game.Session, roster []game.Player, events []game.Event) string {
	var b strings.Builder
	b.WriteString(adv.SystemPrompt)
	b.WriteString("\n\n---\nCURRENT GAME STATE:\n")
	fmt.Fprintf(&b, "- HP: %d\n", sess.GameState.HP)
	fmt.Fprintf(&b, "- Gold: %d\n", sess.GameState.Gold)
	fmt.Fprintf(&b, "- Inventory: %s\n", inventoryLine(sess.GameState.Inventory))
	fmt.Fprintf(&b, "- Current Scene: %d\n", sess.CurrentScene)
	fmt.Fprintf(&b, "- Flags: %s\n", flagsLine(sess.GameState.Flags))

	b.WriteString("\nPLAYERS IN SESSION:\n")
	b.WriteString(rosterBlock(roster))

	b.WriteString("\n\nRECENT EVENTS:\n")
	b.WriteString(eventBlock(events))

	b.WriteString("\n---\n\n")
	b.WriteString("IMPORTANT: When addressing a specific player or giving them a turn, use the setActivePlayer tool.\n")
	b.WriteString("Keep responses concise but dramatic. Use sound effects sparingly for atmosphere.")
	return b.String()
}

func inventoryLine(items []string) string {
	if len(items) == 0 {
		return "Empty"
	}
	return strings.Join(items, ", ")
}

// flagsLine renders story flags as JSON. Map keys marshal sorted, so the
// output is deterministic.
func flagsLine(flags map[string]bool) string {
	if len(flags) == 0 {
		return "{}"
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func rosterBlock(roster []game.Player) string {
	if len(roster) == 0 {
		return "No players yet"
	}
	lines := make([]string, 0, len(roster))
	for _, p := range roster {
		if p.Avatar != "" {
			lines = append(lines, fmt.Sprintf("- %s %s", p.Avatar, p.Name))
		} else {
			lines = append(lines, "- "+p.Name)
		}
	}
	return strings.Join(lines, "\n")
}

// eventBlock summarises the last eventSummaryCount entries of the (oldest
// first) event slice as "[type] content" lines.
func eventBlock(events []game.Event) string {
	if len(events) == 0 {
		return "None yet"
	}
	start := len(events) - eventSummaryCount
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(events)-start)
	for _, e := range events[start:] {
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Type, e.Content))
	}
	return strings.Join(lines, "\n")
}
