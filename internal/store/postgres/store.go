package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwalden/duskhall/internal/game"
)

// notifyChannel is the LISTEN/NOTIFY channel used for change signals.
// The payload is the affected session id.
const notifyChannel = "duskhall_session_changed"

// Compile-time interface check.
var _ game.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [game.Store]. All methods are safe for
// concurrent use; each mutation executes as a single statement or a single
// transaction, so individual patches are atomic.
type Store struct {
	pool *pgxpool.Pool

	watchMu  sync.Mutex
	watchers map[string][]chan struct{} // sessionID → subscriber signals
	listenUp bool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{
		pool:     pool,
		watchers: make(map[string][]chan struct{}),
	}, nil
}

// CreateSession implements [game.Store.CreateSession].
func (s *Store) CreateSession(ctx context.Context, sess game.Session) error {
	stateJSON, err := json.Marshal(sess.GameState)
	if err != nil {
		return fmt.Errorf("postgres store: marshal game state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Join codes are only unique among non-ended sessions, so uniqueness is
	// checked inside the insert transaction rather than by a constraint.
	var clash bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE join_code = $1 AND status <> 'ended')`,
		sess.JoinCode,
	).Scan(&clash)
	if err != nil {
		return fmt.Errorf("postgres store: check join code: %w", err)
	}
	if clash {
		return game.ErrDuplicateJoinCode
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions
		    (id, join_code, adventure_id, status, current_scene, game_state,
		     last_narration, active_player, turn_phase, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.JoinCode, sess.AdventureID, string(sess.Status),
		sess.CurrentScene, stateJSON, sess.LastNarration,
		sess.ActivePlayerID, string(sess.TurnPhase), sess.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return game.ErrDuplicateID
		}
		return fmt.Errorf("postgres store: create session: %w", err)
	}

	if err := notify(ctx, tx, sess.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

const sessionColumns = `id, join_code, adventure_id, status, current_scene,
	game_state, last_narration, active_player, turn_phase, created_at`

// Session implements [game.Store.Session].
func (s *Store) Session(ctx context.Context, id string) (game.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// SessionByCode implements [game.Store.SessionByCode].
func (s *Store) SessionByCode(ctx context.Context, code string) (game.Session, error) {
	// Codes can be reused once a session ends; prefer the live one.
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE join_code = $1
		 ORDER BY (status <> 'ended') DESC, created_at DESC
		 LIMIT 1`, code)
	return scanSession(row)
}

// PatchSession implements [game.Store.PatchSession]. The patch is a single
// UPDATE statement, so concurrent patches to disjoint fields never lose
// writes; partial game-state updates go through [Store.MergeGameState].
func (s *Store) PatchSession(ctx context.Context, id string, p game.SessionPatch) error {
	if p.IsZero() {
		return nil
	}

	sets := []string{}
	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Status != nil {
		sets = append(sets, "status = "+next(string(*p.Status)))
	}
	if p.CurrentScene != nil {
		sets = append(sets, "current_scene = "+next(*p.CurrentScene))
	}
	if p.GameState != nil {
		stateJSON, err := json.Marshal(*p.GameState)
		if err != nil {
			return fmt.Errorf("postgres store: marshal game state: %w", err)
		}
		sets = append(sets, "game_state = "+next(stateJSON))
	}
	if p.LastNarration != nil {
		sets = append(sets, "last_narration = "+next(*p.LastNarration))
	}
	if p.ActivePlayerID != nil {
		sets = append(sets, "active_player = "+next(*p.ActivePlayerID))
	}
	if p.TurnPhase != nil {
		sets = append(sets, "turn_phase = "+next(string(*p.TurnPhase)))
	}

	tag, err := s.pool.Exec(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return fmt.Errorf("postgres store: patch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return game.ErrNotFound
	}

	s.notifyPool(ctx, id)
	return nil
}

// MergeGameState implements [game.Store.MergeGameState]. The row lock from
// SELECT ... FOR UPDATE holds until commit, so concurrent merges serialize
// and every partial update lands.
func (s *Store) MergeGameState(ctx context.Context, id string, update game.StateUpdate) (game.GameState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	var stateJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT game_state FROM sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.GameState{}, game.ErrNotFound
	}
	if err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: lock game state: %w", err)
	}

	var state game.GameState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: decode game state: %w", err)
	}
	state = update.Apply(state)

	nextJSON, err := json.Marshal(state)
	if err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: marshal game state: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET game_state = $2 WHERE id = $1`, id, nextJSON); err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: merge game state: %w", err)
	}

	if err := notify(ctx, tx, id); err != nil {
		return game.GameState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return game.GameState{}, fmt.Errorf("postgres store: commit merge: %w", err)
	}
	return state, nil
}

// ListOpenSessions implements [game.Store.ListOpenSessions].
func (s *Store) ListOpenSessions(ctx context.Context) ([]game.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status <> 'ended'
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list open sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Session, error) {
		return scanSession(row)
	})
}

// CreatePlayer implements [game.Store.CreatePlayer].
func (s *Store) CreatePlayer(ctx context.Context, p game.Player) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO players (id, session_id, name, avatar, is_active, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.SessionID, p.Name, p.Avatar, p.IsActive, p.LastSeen,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return game.ErrDuplicateID
		}
		return fmt.Errorf("postgres store: create player: %w", err)
	}
	s.notifyPool(ctx, p.SessionID)
	return nil
}

// Player implements [game.Store.Player].
func (s *Store) Player(ctx context.Context, id string) (game.Player, error) {
	var p game.Player
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, name, avatar, is_active, last_seen
		FROM players WHERE id = $1`, id,
	).Scan(&p.ID, &p.SessionID, &p.Name, &p.Avatar, &p.IsActive, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Player{}, game.ErrNotFound
	}
	if err != nil {
		return game.Player{}, fmt.Errorf("postgres store: get player: %w", err)
	}
	return p, nil
}

// PlayersBySession implements [game.Store.PlayersBySession]. Ordering is by
// the monotonically increasing seq column (insertion order).
func (s *Store) PlayersBySession(ctx context.Context, sessionID string, activeOnly bool) ([]game.Player, error) {
	q := `SELECT id, session_id, name, avatar, is_active, last_seen
	      FROM players WHERE session_id = $1`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: players by session: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Player, error) {
		var p game.Player
		err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Avatar, &p.IsActive, &p.LastSeen)
		return p, err
	})
}

// PatchPlayer implements [game.Store.PatchPlayer].
func (s *Store) PatchPlayer(ctx context.Context, id string, patch game.PlayerPatch) error {
	sets := []string{}
	args := []any{id}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = "+next(*patch.IsActive))
	}
	if patch.LastSeen != nil {
		sets = append(sets, "last_seen = "+next(*patch.LastSeen))
	}
	if len(sets) == 0 {
		return nil
	}

	var sessionID string
	err := s.pool.QueryRow(ctx,
		"UPDATE players SET "+strings.Join(sets, ", ")+" WHERE id = $1 RETURNING session_id",
		args...,
	).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres store: patch player: %w", err)
	}

	s.notifyPool(ctx, sessionID)
	return nil
}

// AppendEvent implements [game.Store.AppendEvent].
func (s *Store) AppendEvent(ctx context.Context, e game.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("postgres store: marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, session_id, type, player_id, content, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SessionID, string(e.Type), e.PlayerID, e.Content, metaJSON, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append event: %w", err)
	}

	s.notifyPool(ctx, e.SessionID)
	return nil
}

// RecentEvents implements [game.Store.RecentEvents]. The query selects the
// newest limit rows then reverses them into chronological order.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]game.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, type, player_id, content, metadata, timestamp
		FROM events
		WHERE session_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent events: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan events: %w", err)
	}

	// Newest-first from the store; callers want chronological.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// FullState implements [game.Store.FullState]. All three reads run inside
// one repeatable-read transaction so the snapshot is consistent.
func (s *Store) FullState(ctx context.Context, sessionID string, eventLimit int) (game.FullState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return game.FullState{}, err
	}

	playerRows, err := tx.Query(ctx, `
		SELECT id, session_id, name, avatar, is_active, last_seen
		FROM players WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: snapshot players: %w", err)
	}
	players, err := pgx.CollectRows(playerRows, func(row pgx.CollectableRow) (game.Player, error) {
		var p game.Player
		err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.Avatar, &p.IsActive, &p.LastSeen)
		return p, err
	})
	if err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: scan players: %w", err)
	}

	eventRows, err := tx.Query(ctx, `
		SELECT id, session_id, type, player_id, content, metadata, timestamp
		FROM events WHERE session_id = $1
		ORDER BY timestamp DESC, seq DESC LIMIT $2`, sessionID, eventLimit)
	if err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: snapshot events: %w", err)
	}
	events, err := pgx.CollectRows(eventRows, scanEvent)
	if err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: scan events: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	if err := tx.Commit(ctx); err != nil {
		return game.FullState{}, fmt.Errorf("postgres store: commit snapshot: %w", err)
	}

	return game.FullState{Session: sess, Players: players, Events: events}, nil
}

// Watch implements [game.Store.Watch] using LISTEN/NOTIFY. A single
// listener connection is shared by all watchers; each change notification
// carries the session id and is fanned out to that session's subscribers.
func (s *Store) Watch(ctx context.Context, sessionID string) (<-chan struct{}, error) {
	s.watchMu.Lock()
	if !s.listenUp {
		if err := s.startListener(); err != nil {
			s.watchMu.Unlock()
			return nil, err
		}
		s.listenUp = true
	}
	ch := make(chan struct{}, 1)
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

// startListener acquires a dedicated connection and pumps notifications to
// subscribers until the pool closes. Caller holds s.watchMu.
func (s *Store) startListener() error {
	conn, err := s.pool.Acquire(context.Background())
	if err != nil {
		return fmt.Errorf("postgres store: acquire listener conn: %w", err)
	}
	if _, err := conn.Exec(context.Background(), "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("postgres store: listen: %w", err)
	}

	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(context.Background())
			if err != nil {
				slog.Warn("store listener stopped", "err", err)
				return
			}
			s.watchMu.Lock()
			for _, ch := range s.watchers[n.Payload] {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			s.watchMu.Unlock()
		}
	}()
	return nil
}

// Ping implements [game.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [game.Store.Close].
func (s *Store) Close() {
	s.pool.Close()
}

// ---- helpers ----

func notify(ctx context.Context, tx pgx.Tx, sessionID string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, sessionID); err != nil {
		return fmt.Errorf("postgres store: notify: %w", err)
	}
	return nil
}

// notifyPool emits a change notification outside a transaction. Failures are
// logged, not surfaced: the mutation itself already committed.
func (s *Store) notifyPool(ctx context.Context, sessionID string) {
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, sessionID); err != nil {
		slog.Warn("store notify failed", "session_id", sessionID, "err", err)
	}
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// scanSession scans one sessions row.
func scanSession(row pgx.Row) (game.Session, error) {
	var (
		sess      game.Session
		status    string
		phase     string
		stateJSON []byte
	)
	err := row.Scan(
		&sess.ID, &sess.JoinCode, &sess.AdventureID, &status,
		&sess.CurrentScene, &stateJSON, &sess.LastNarration,
		&sess.ActivePlayerID, &phase, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Session{}, game.ErrNotFound
	}
	if err != nil {
		return game.Session{}, fmt.Errorf("postgres store: scan session: %w", err)
	}
	sess.Status = game.Status(status)
	sess.TurnPhase = game.TurnPhase(phase)
	if err := json.Unmarshal(stateJSON, &sess.GameState); err != nil {
		return game.Session{}, fmt.Errorf("postgres store: decode game state: %w", err)
	}
	return sess, nil
}

// scanEvent scans one events row.
func scanEvent(row pgx.CollectableRow) (game.Event, error) {
	var (
		e        game.Event
		typeStr  string
		metaJSON []byte
	)
	if err := row.Scan(&e.ID, &e.SessionID, &typeStr, &e.PlayerID, &e.Content, &metaJSON, &e.Timestamp); err != nil {
		return game.Event{}, err
	}
	e.Type = game.EventType(typeStr)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return game.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e, nil
}
