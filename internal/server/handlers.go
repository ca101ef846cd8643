package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mwalden/duskhall/internal/dm"
	"github.com/mwalden/duskhall/internal/game"
)

// ─── Session lifecycle ───────────────────────────────────────────────────────

func (s *Server) handleListAdventures(w http.ResponseWriter, r *http.Request) {
	adventures := s.cfg.Game.Adventures()
	out := make([]adventureJSON, 0, len(adventures))
	for _, a := range adventures {
		out = append(out, toAdventureJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdventureID string `json:"adventure_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AdventureID == "" {
		writeError(w, fmt.Errorf("%w: adventure_id is required", errBadRequest))
		return
	}

	sess, err := s.cfg.Game.CreateSession(r.Context(), req.AdventureID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionJSON(sess))
}

func (s *Server) handleListOpenSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Game.ListOpenSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	player, sess, err := s.cfg.Game.JoinSession(r.Context(), req.Code, req.Name, req.Avatar)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Player  playerJSON  `json:"player"`
		Session sessionJSON `json:"session"`
	}{toPlayerJSON(player), toSessionJSON(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	fs, err := s.cfg.Game.FullState(r.Context(), r.PathValue("id"), game.DefaultEventLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFullStateJSON(fs))
}

func (s *Server) handleGetSessionByCode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Game.SessionByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Game.StartGame(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseGame(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Game.PauseGame(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status game.Status `json:"status"`
	}{status})
}

func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome   string `json:"outcome"`
		Narration string `json:"narration"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Game.EndGame(r.Context(), r.PathValue("id"), req.Outcome, req.Narration); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Turn management ─────────────────────────────────────────────────────────

func (s *Server) handleNextPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := s.cfg.Game.NextPlayer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	// Nobody active: the rotation was a no-op.
	if player.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toPlayerJSON(player))
}

func (s *Server) handleSetActivePlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PlayerID == "" {
		writeError(w, fmt.Errorf("%w: player_id is required", errBadRequest))
		return
	}
	if err := s.cfg.Game.SetActivePlayer(r.Context(), r.PathValue("id"), req.PlayerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Player presence ─────────────────────────────────────────────────────────

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Game.PlayerHeartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Game.LeaveSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Session data ────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := game.DefaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}

	events, err := s.cfg.Game.RecentEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMessage is the keyboard path: a typed player (or host) message runs a
// full game-master turn without any audio involved.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DM == nil {
		writeError(w, fmt.Errorf("%w: no game master configured", errUpstream))
		return
	}

	var req struct {
		PlayerID string `json:"player_id"`
		Text     string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Text == "" {
		writeError(w, fmt.Errorf("%w: text is required", errBadRequest))
		return
	}

	narration, err := s.cfg.DM.Respond(r.Context(), dm.Turn{
		SessionID: r.PathValue("id"),
		PlayerID:  req.PlayerID,
		Utterance: req.Text,
	})
	if err != nil {
		writeError(w, classifyTurnError(err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Narration string `json:"narration"`
	}{narration})
}

func (s *Server) handleGameState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HP         *int   `json:"hp"`
		Gold       *int   `json:"gold"`
		AddItem    string `json:"add_item"`
		RemoveItem string `json:"remove_item"`
		SetFlag    *struct {
			Name  string `json:"name"`
			Value bool   `json:"value"`
		} `json:"set_flag"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	update := game.StateUpdate{
		HP:         req.HP,
		Gold:       req.Gold,
		AddItem:    req.AddItem,
		RemoveItem: req.RemoveItem,
	}
	if req.SetFlag != nil {
		if req.SetFlag.Name == "" {
			writeError(w, fmt.Errorf("%w: set_flag.name is required", errBadRequest))
			return
		}
		update.SetFlag = &game.FlagUpdate{Name: req.SetFlag.Name, Value: req.SetFlag.Value}
	}
	if update.IsZero() {
		writeError(w, fmt.Errorf("%w: empty game-state update", errBadRequest))
		return
	}

	state, err := s.cfg.Game.ApplyGameState(r.Context(), r.PathValue("id"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ─── Voice ───────────────────────────────────────────────────────────────────

func (s *Server) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens == nil {
		writeError(w, fmt.Errorf("%w: no transcription credential source configured", errUpstream))
		return
	}
	token, err := s.cfg.Tokens.Token(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errUpstream, err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
	}{token})
}

// soundEffectDuration is how long a synthesized atmosphere clip runs.
const soundEffectDuration = 4 * time.Second

// handleSoundEffect synthesizes one of the game master's atmosphere cues and
// returns the raw audio. Clients call it when a sound_effect event shows up
// on the watch stream.
func (s *Server) handleSoundEffect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TTS == nil {
		writeError(w, fmt.Errorf("%w: no speech synthesis configured", errUpstream))
		return
	}

	var req struct {
		Effect string `json:"effect"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	prompt, ok := dm.SoundEffectPrompt(req.Effect)
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown sound effect %q", errBadRequest, req.Effect))
		return
	}
	if _, err := s.cfg.Game.Session(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}

	audio, err := s.cfg.TTS.SoundEffect(r.Context(), prompt, soundEffectDuration)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errUpstream, err))
		return
	}
	w.Header().Set("Content-Type", audio.MIMEType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

// classifyTurnError keeps game rule failures mapped to their own statuses and
// treats everything else from a game-master turn as an upstream provider
// failure.
func classifyTurnError(err error) error {
	switch {
	case errors.Is(err, game.ErrNotFound),
		errors.Is(err, game.ErrSessionEnded),
		errors.Is(err, game.ErrInvalidState):
		return err
	default:
		return fmt.Errorf("%w: %v", errUpstream, err)
	}
}
