package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mwalden/duskhall/internal/game"
)

// maxBodyBytes bounds request bodies. The largest legitimate payload is a
// typed player message.
const maxBodyBytes = 64 << 10

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// sessionJSON is the wire shape of a game.Session.
type sessionJSON struct {
	ID             string         `json:"id"`
	JoinCode       string         `json:"join_code"`
	AdventureID    string         `json:"adventure_id"`
	Status         game.Status    `json:"status"`
	CurrentScene   int            `json:"current_scene"`
	GameState      game.GameState `json:"game_state"`
	LastNarration  string         `json:"last_narration,omitempty"`
	ActivePlayerID string         `json:"active_player_id,omitempty"`
	TurnPhase      game.TurnPhase `json:"turn_phase"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toSessionJSON(s game.Session) sessionJSON {
	return sessionJSON{
		ID:             s.ID,
		JoinCode:       s.JoinCode,
		AdventureID:    s.AdventureID,
		Status:         s.Status,
		CurrentScene:   s.CurrentScene,
		GameState:      s.GameState,
		LastNarration:  s.LastNarration,
		ActivePlayerID: s.ActivePlayerID,
		TurnPhase:      s.TurnPhase,
		CreatedAt:      s.CreatedAt,
	}
}

// playerJSON is the wire shape of a game.Player.
type playerJSON struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	IsActive  bool      `json:"is_active"`
	LastSeen  time.Time `json:"last_seen"`
}

func toPlayerJSON(p game.Player) playerJSON {
	return playerJSON{
		ID:        p.ID,
		SessionID: p.SessionID,
		Name:      p.Name,
		Avatar:    p.Avatar,
		IsActive:  p.IsActive,
		LastSeen:  p.LastSeen,
	}
}

// eventJSON is the wire shape of a game.Event.
type eventJSON struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Type      game.EventType    `json:"type"`
	PlayerID  string            `json:"player_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func toEventJSON(e game.Event) eventJSON {
	return eventJSON{
		ID:        e.ID,
		SessionID: e.SessionID,
		Type:      e.Type,
		PlayerID:  e.PlayerID,
		Content:   e.Content,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
	}
}

// fullStateJSON is the wire shape of a game.FullState snapshot.
type fullStateJSON struct {
	Session sessionJSON  `json:"session"`
	Players []playerJSON `json:"players"`
	Events  []eventJSON  `json:"events"`
}

func toFullStateJSON(fs game.FullState) fullStateJSON {
	out := fullStateJSON{
		Session: toSessionJSON(fs.Session),
		Players: make([]playerJSON, 0, len(fs.Players)),
		Events:  make([]eventJSON, 0, len(fs.Events)),
	}
	for _, p := range fs.Players {
		out.Players = append(out.Players, toPlayerJSON(p))
	}
	for _, e := range fs.Events {
		out.Events = append(out.Events, toEventJSON(e))
	}
	return out
}

// adventureJSON is the public wire shape of an adventure. The system prompt
// stays server-side.
type adventureJSON struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SceneCount int    `json:"scene_count"`
	MinPlayers int    `json:"min_players"`
	MaxPlayers int    `json:"max_players,omitempty"`
}

func toAdventureJSON(a game.Adventure) adventureJSON {
	return adventureJSON{
		ID:         a.ID,
		Title:      a.Title,
		SceneCount: a.SceneCount(),
		MinPlayers: a.MinPlayers,
		MaxPlayers: a.MaxPlayers,
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a service error to an HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, game.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, game.ErrInvalidState) || errors.Is(err, game.ErrSessionEnded) ||
		errors.Is(err, game.ErrNotEnoughPlayers):
		status = http.StatusConflict
	case errors.Is(err, game.ErrSessionFull) || errors.Is(err, game.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errUpstream):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// Request-shaping sentinels. Handlers wrap validation failures in
// errBadRequest and provider failures in errUpstream before calling
// writeError.
var (
	errBadRequest = errors.New("bad request")
	errUpstream   = errors.New("upstream provider failure")
)

// decodeBody decodes a JSON request body into v, enforcing the size cap and
// rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
