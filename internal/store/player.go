package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Player is one player record. HeartbeatAt is unix milliseconds of the
// most recent write that counted as liveness.
type Player struct {
	ID          string
	State       string
	GameID      string
	SessionID   string
	HeartbeatAt int64
}

// demoteIdleScript moves a player back to the lobby only when the record
// is absent or already in the lobby. READY and IN_GAME are owned by the
// matchmaker path at that point; a racing disconnect must not regress
// them, and it must not refresh their heartbeat either, so that the
// reaper can collect genuinely departed players.
var demoteIdleScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == false or state == 'IN_LOBBY' then
  redis.call('HSET', KEYS[1], 'state', 'IN_LOBBY', 'heartbeat_at', ARGV[1])
  redis.call('HDEL', KEYS[1], 'game_id', 'session_id')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// EnsurePlayer creates the record in the lobby if it does not exist and
// refreshes liveness either way.
func (s *Store) EnsurePlayer(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, playerKey(id), fieldState, StateLobby)
	pipe.HSet(ctx, playerKey(id), fieldHeartbeatAt, nowMillis())
	pipe.Expire(ctx, playerKey(id), s.playerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ensure player %s: %w", id, err)
	}
	return nil
}

// TouchPlayer records a heartbeat. A record that expired in the meantime
// is recreated in the lobby.
func (s *Store) TouchPlayer(ctx context.Context, id string) error {
	return s.EnsurePlayer(ctx, id)
}

// SetPlayerReady marks the player READY and refreshes liveness. Queue
// membership is the caller's move.
func (s *Store) SetPlayerReady(ctx context.Context, id string) error {
	return s.setState(ctx, id, StateReady)
}

// SetPlayerLobby is the explicit un-ready transition. Game fields are
// left alone; only materialization and finalization touch those.
func (s *Store) SetPlayerLobby(ctx context.Context, id string) error {
	return s.setState(ctx, id, StateLobby)
}

func (s *Store) setState(ctx context.Context, id, state string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, playerKey(id), fieldState, state, fieldHeartbeatAt, nowMillis())
	pipe.Expire(ctx, playerKey(id), s.playerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set player %s %s: %w", id, state, err)
	}
	return nil
}

// DemoteIdlePlayer is the disconnect write: back to the lobby unless the
// player is READY or IN_GAME.
func (s *Store) DemoteIdlePlayer(ctx context.Context, id string) error {
	err := demoteIdleScript.Run(ctx, s.rdb,
		[]string{playerKey(id)},
		nowMillis(), s.playerTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("demote player %s: %w", id, err)
	}
	return nil
}

// ResetPlayerToLobby forces the record back to a clean lobby state,
// clearing any game assignment. Used by the reaper on stale players.
func (s *Store) ResetPlayerToLobby(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, playerKey(id), fieldState, StateLobby, fieldHeartbeatAt, nowMillis())
	pipe.HDel(ctx, playerKey(id), fieldGameID, fieldSessionID)
	pipe.Expire(ctx, playerKey(id), s.playerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset player %s: %w", id, err)
	}
	return nil
}

// Player reads one record. Returns ErrNotFound for absent or expired ids.
func (s *Store) Player(ctx context.Context, id string) (Player, error) {
	m, err := s.rdb.HGetAll(ctx, playerKey(id)).Result()
	if err != nil {
		return Player{}, fmt.Errorf("read player %s: %w", id, err)
	}
	if len(m) == 0 {
		return Player{}, ErrNotFound
	}
	return parsePlayer(id, m), nil
}

// PlayerStates batch-reads the given ids in one round trip. Missing
// records are absent from the result map.
func (s *Store) PlayerStates(ctx context.Context, ids []string) (map[string]Player, error) {
	if len(ids) == 0 {
		return map[string]Player{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, playerKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("batch read players: %w", err)
	}
	out := make(map[string]Player, len(ids))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out[ids[i]] = parsePlayer(ids[i], m)
	}
	return out, nil
}

// ScanPlayers walks every player record incrementally and calls fn for
// each. A non-nil fn error stops the walk.
func (s *Store) ScanPlayers(ctx context.Context, fn func(Player) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, playerKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan players: %w", err)
		}
		if len(keys) > 0 {
			pipe := s.rdb.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("scan players page: %w", err)
			}
			for i, cmd := range cmds {
				m, err := cmd.Result()
				if err != nil || len(m) == 0 {
					continue
				}
				id := keys[i][len(playerKeyPrefix):]
				if err := fn(parsePlayer(id, m)); err != nil {
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

func parsePlayer(id string, m map[string]string) Player {
	return Player{
		ID:          id,
		State:       m[fieldState],
		GameID:      m[fieldGameID],
		SessionID:   m[fieldSessionID],
		HeartbeatAt: parseInt(m[fieldHeartbeatAt]),
	}
}

// addPlayersInGame queues the IN_GAME writes for a match onto an open
// pipeline. Part of the game creation write group.
func (s *Store) addPlayersInGame(ctx context.Context, pipe redis.Pipeliner, players []string, gameID, sessionID string, now int64) {
	for _, id := range players {
		pipe.HSet(ctx, playerKey(id),
			fieldState, StateInGame,
			fieldGameID, gameID,
			fieldSessionID, sessionID,
			fieldHeartbeatAt, now,
		)
		pipe.Expire(ctx, playerKey(id), s.playerTTL)
	}
}
