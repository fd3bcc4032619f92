package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Game is one match record. Timestamps are unix milliseconds; EndAt is
// the scheduled end the runner enforces, FinishedAt is set once on
// finalization. Finished games are kept until their keys age out of the
// store by operator action; the control plane never deletes them.
type Game struct {
	ID         string
	SessionID  string
	State      string
	StartedAt  int64
	EndAt      int64
	FinishedAt int64
}

// CreateGame materializes a match in one write group: the game record,
// its player set, and every member moved to IN_GAME. The session's
// game_ids entry follows in its own scripted step; the reserved slot was
// already taken, so a crash between the two leaves only a record for the
// reconciler to repair, never an over-commit.
func (s *Store) CreateGame(ctx context.Context, g Game, players []string) error {
	if g.ID == "" || g.SessionID == "" {
		return fmt.Errorf("create game: missing id or session")
	}
	now := nowMillis()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(g.ID),
		fieldSessionID, g.SessionID,
		fieldState, GameRunning,
		fieldStartedAt, g.StartedAt,
		fieldEndAt, g.EndAt,
	)
	members := make([]interface{}, len(players))
	for i, p := range players {
		members[i] = p
	}
	pipe.SAdd(ctx, gamePlayersKey(g.ID), members...)
	s.addPlayersInGame(ctx, pipe, players, g.ID, g.SessionID, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	if err := s.AppendSessionGame(ctx, g.SessionID, g.ID); err != nil {
		return err
	}
	return nil
}

// Game reads one game record.
func (s *Store) Game(ctx context.Context, id string) (Game, error) {
	m, err := s.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		return Game{}, fmt.Errorf("read game %s: %w", id, err)
	}
	if len(m) == 0 {
		return Game{}, ErrNotFound
	}
	return parseGame(id, m), nil
}

// GamePlayers reads the member set of a game.
func (s *Store) GamePlayers(ctx context.Context, id string) ([]string, error) {
	players, err := s.rdb.SMembers(ctx, gamePlayersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read game players %s: %w", id, err)
	}
	return players, nil
}

// ScanGames walks every game record incrementally.
func (s *Store) ScanGames(ctx context.Context, fn func(Game) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, gameKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan games: %w", err)
		}
		// The pattern also matches the :players set keys.
		hashKeys := keys[:0]
		for _, key := range keys {
			if !strings.HasSuffix(key, gamePlayersSuffix) {
				hashKeys = append(hashKeys, key)
			}
		}
		if len(hashKeys) > 0 {
			pipe := s.rdb.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(hashKeys))
			for i, key := range hashKeys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("scan games page: %w", err)
			}
			for i, cmd := range cmds {
				m, err := cmd.Result()
				if err != nil || len(m) == 0 {
					continue
				}
				id := hashKeys[i][len(gameKeyPrefix):]
				if err := fn(parseGame(id, m)); err != nil {
					return err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// FinishGame marks the game FINISHED and returns its players to the
// lobby. Players already reassigned to a newer game keep their current
// record; only members still pointing at this game are restored. Slot
// accounting is the caller's RemoveSessionGame step.
func (s *Store) FinishGame(ctx context.Context, gameID string, players []string) error {
	restore := players
	if len(players) > 0 {
		read := s.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(players))
		for i, p := range players {
			cmds[i] = read.HGet(ctx, playerKey(p), fieldGameID)
		}
		// Exec surfaces redis.Nil when any player lacks the field; the
		// per-command results below are still valid in that case.
		if _, err := read.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("finish game %s: read players: %w", gameID, err)
		}
		// Fresh slice: callers keep using players after the call (the
		// runner publishes it), so it must never be filtered in place.
		restore = make([]string, 0, len(players))
		for i, cmd := range cmds {
			if cur, err := cmd.Result(); err == nil && cur == gameID {
				restore = append(restore, players[i])
			}
		}
	}

	now := nowMillis()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, gameKey(gameID), fieldState, GameFinished, fieldFinishedAt, now)
	for _, p := range restore {
		pipe.HSet(ctx, playerKey(p), fieldState, StateLobby, fieldHeartbeatAt, now)
		pipe.HDel(ctx, playerKey(p), fieldGameID, fieldSessionID)
		pipe.Expire(ctx, playerKey(p), s.playerTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish game %s: %w", gameID, err)
	}
	return nil
}

func parseGame(id string, m map[string]string) Game {
	return Game{
		ID:         id,
		SessionID:  m[fieldSessionID],
		State:      m[fieldState],
		StartedAt:  parseInt(m[fieldStartedAt]),
		EndAt:      parseInt(m[fieldEndAt]),
		FinishedAt: parseInt(m[fieldFinishedAt]),
	}
}
