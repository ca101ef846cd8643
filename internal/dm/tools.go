package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/mwalden/duskhall/internal/game"
	"github.com/mwalden/duskhall/pkg/types"
)

// SoundEffects enumerates the atmosphere cues the model may trigger.
var SoundEffects = []string{
	"thunder", "door_creak", "footsteps", "scream", "clock_chime", "glass_break", "wind",
}

// soundEffectPrompts maps each effect to the description handed to the TTS
// provider when the clip is synthesised.
var soundEffectPrompts = map[string]string{
	"thunder":     "A deep rolling thunderclap echoing over an old manor",
	"door_creak":  "A heavy wooden door slowly creaking open on rusted hinges",
	"footsteps":   "Slow footsteps on a creaking wooden floor, drawing closer",
	"scream":      "A distant muffled scream from somewhere inside a large house",
	"clock_chime": "A grandfather clock chiming, low and resonant",
	"glass_break": "A pane of glass shattering in another room",
	"wind":        "A cold wind howling through gaps in old window frames",
}

// SoundEffectPrompt returns the synthesis description for a known effect.
func SoundEffectPrompt(effect string) (string, bool) {
	p, ok := soundEffectPrompts[effect]
	return p, ok
}

// maxNameDistance is the largest Levenshtein distance accepted when resolving
// a player name the model spelled slightly wrong.
const maxNameDistance = 2

// toolDefinitions is the fixed tool surface offered to the model on the first
// completion of every turn.
func toolDefinitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        "setActivePlayer",
			Description: "Set which player's turn it is to speak. Call this when you want to address a specific player or give them a turn.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"playerName": map[string]any{
						"type":        "string",
						"description": "The name of the player to give the turn to",
					},
				},
				"required": []string{"playerName"},
			},
		},
		{
			Name:        "updateGameState",
			Description: "Update the game state (HP, gold, inventory, or flags). Use this when game events affect the party's status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hp": map[string]any{
						"type":        "number",
						"description": "New HP value (0-100)",
					},
					"gold": map[string]any{
						"type":        "number",
						"description": "New gold amount",
					},
					"addItem": map[string]any{
						"type":        "string",
						"description": "Item to add to inventory",
					},
					"removeItem": map[string]any{
						"type":        "string",
						"description": "Item to remove from inventory",
					},
					"setFlag": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":  map[string]any{"type": "string"},
							"value": map[string]any{"type": "boolean"},
						},
						"description": "Set a game flag (e.g., 'found_clue_1': true)",
					},
				},
			},
		},
		{
			Name:        "changeScene",
			Description: "Move to a different scene/location in the adventure",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sceneNumber": map[string]any{
						"type":        "number",
						"description": "The scene number to move to",
					},
				},
				"required": []string{"sceneNumber"},
			},
		},
		{
			Name:        "playSoundEffect",
			Description: "Trigger a sound effect for atmosphere. Use sparingly for dramatic moments.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"effect": map[string]any{
						"type":        "string",
						"enum":        SoundEffects,
						"description": "The sound effect to play",
					},
				},
				"required": []string{"effect"},
			},
		},
		{
			Name:        "endGame",
			Description: "End the game. Use when the mystery is solved or the game reaches a conclusion.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"outcome": map[string]any{
						"type":        "string",
						"enum":        []string{"victory", "defeat", "draw"},
						"description": "The game outcome",
					},
					"summary": map[string]any{
						"type":        "string",
						"description": "Brief summary of how the game ended",
					},
				},
				"required": []string{"outcome"},
			},
		},
	}
}

// ---- tool arguments ----

type setActivePlayerArgs struct {
	PlayerName string `json:"playerName"`
}

type flagArgs struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

type updateGameStateArgs struct {
	HP         *float64  `json:"hp"`
	Gold       *float64  `json:"gold"`
	AddItem    string    `json:"addItem"`
	RemoveItem string    `json:"removeItem"`
	SetFlag    *flagArgs `json:"setFlag"`
}

type changeSceneArgs struct {
	SceneNumber *float64 `json:"sceneNumber"`
}

type playSoundEffectArgs struct {
	Effect string `json:"effect"`
}

type endGameArgs struct {
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
}

// decodeArgs parses a tool-call argument payload strictly: unknown fields are
// rejected so a malformed model response surfaces as a tool error instead of
// silently dropping data.
func decodeArgs(raw string, out any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

// toolResult marshals a handler outcome for the tool-result message. Marshal
// failures cannot occur for the map shapes used here, but fall back to a
// generic error payload anyway.
func toolResult(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"internal"}`
	}
	return string(data)
}

func errorResult(msg string) string {
	return toolResult(map[string]any{"success": false, "error": msg})
}

// toolStatus classifies a tool result payload for metric attributes.
func toolStatus(result string) string {
	if strings.Contains(result, `"success":true`) {
		return "ok"
	}
	return "error"
}

// executeTool dispatches one model-requested tool call against the game
// service and returns the structured result fed back to the model. Failures
// are reported in-band; the turn never aborts on a bad tool call.
func (a *Agent) executeTool(ctx context.Context, sessionID string, call types.ToolCall) string {
	switch call.Name {
	case "setActivePlayer":
		var args setActivePlayerArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		return a.setActivePlayer(ctx, sessionID, args.PlayerName)

	case "updateGameState":
		var args updateGameStateArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		return a.updateGameState(ctx, sessionID, args)

	case "changeScene":
		var args changeSceneArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		if args.SceneNumber == nil {
			return errorResult("sceneNumber is required")
		}
		scene, err := a.game.SetScene(ctx, sessionID, int(*args.SceneNumber))
		if err != nil {
			return errorResult(err.Error())
		}
		return toolResult(map[string]any{"success": true, "scene": scene})

	case "playSoundEffect":
		var args playSoundEffectArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		return a.playSoundEffect(ctx, sessionID, args.Effect)

	case "endGame":
		var args endGameArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		return a.endGame(ctx, sessionID, args)

	default:
		a.log.Warn("unknown tool requested", "tool", call.Name, "session_id", sessionID)
		return `{"error":"Unknown function"}`
	}
}

// setActivePlayer resolves the named player against the active roster and
// hands them the turn. Resolution is exact match first, then
// case-insensitive, then nearest Levenshtein match within maxNameDistance —
// the model frequently reproduces spoken names imperfectly.
func (a *Agent) setActivePlayer(ctx context.Context, sessionID, playerName string) string {
	roster, err := a.game.Players(ctx, sessionID, true)
	if err != nil {
		return errorResult(err.Error())
	}

	player, ok := resolvePlayer(playerName, roster)
	if !ok {
		return toolResult(map[string]any{"success": false, "error": "Player not found"})
	}

	if err := a.game.SetActivePlayer(ctx, sessionID, player.ID); err != nil {
		return errorResult(err.Error())
	}
	return toolResult(map[string]any{"success": true, "playerName": player.Name})
}

// resolvePlayer finds the roster entry best matching name.
func resolvePlayer(name string, roster []game.Player) (game.Player, bool) {
	for _, p := range roster {
		if p.Name == name {
			return p, true
		}
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, p := range roster {
		if strings.ToLower(p.Name) == lower {
			return p, true
		}
	}

	best := game.Player{}
	bestDist := maxNameDistance + 1
	for _, p := range roster {
		d := matchr.Levenshtein(lower, strings.ToLower(p.Name))
		if d < bestDist {
			best = p
			bestDist = d
		}
	}
	if bestDist <= maxNameDistance {
		return best, true
	}
	return game.Player{}, false
}

func (a *Agent) updateGameState(ctx context.Context, sessionID string, args updateGameStateArgs) string {
	var update game.StateUpdate
	if args.HP != nil {
		hp := int(*args.HP)
		update.HP = &hp
	}
	if args.Gold != nil {
		gold := int(*args.Gold)
		update.Gold = &gold
	}
	update.AddItem = args.AddItem
	update.RemoveItem = args.RemoveItem
	if args.SetFlag != nil {
		update.SetFlag = &game.FlagUpdate{Name: args.SetFlag.Name, Value: args.SetFlag.Value}
	}

	state, err := a.game.ApplyGameState(ctx, sessionID, update)
	if err != nil {
		return errorResult(err.Error())
	}
	return toolResult(map[string]any{"success": true, "newState": state})
}

func (a *Agent) playSoundEffect(ctx context.Context, sessionID, effect string) string {
	if _, ok := SoundEffectPrompt(effect); !ok {
		return errorResult(fmt.Sprintf("unknown sound effect %q", effect))
	}

	err := a.game.AppendEvent(ctx, game.Event{
		SessionID: sessionID,
		Type:      game.EventSoundEffect,
		Content:   fmt.Sprintf("[SOUND: %s]", strings.ToUpper(effect)),
		Metadata:  map[string]string{"effect": effect},
	})
	if err != nil {
		return errorResult(err.Error())
	}
	return toolResult(map[string]any{"success": true})
}

func (a *Agent) endGame(ctx context.Context, sessionID string, args endGameArgs) string {
	switch args.Outcome {
	case "victory", "defeat", "draw":
	default:
		return errorResult(fmt.Sprintf("unknown outcome %q", args.Outcome))
	}

	summary := args.Summary
	if summary == "" {
		summary = "Game ended: " + args.Outcome
	}
	if err := a.game.EndGame(ctx, sessionID, args.Outcome, summary); err != nil {
		return errorResult(err.Error())
	}
	return toolResult(map[string]any{"success": true})
}
