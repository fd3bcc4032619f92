package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Session is one runner's advertised record. GameIDs carries the games
// the runner currently hosts; AvailableSlots is always recomputed from
// MaxSlots and ActiveGames on write, never trusted from a reader.
type Session struct {
	ID             string
	MaxSlots       int64
	ActiveGames    int64
	GameIDs        []string
	AvailableSlots int64
	UpdatedAt      int64
}

// Capacity summarizes the availability index.
type Capacity struct {
	Sessions int64
	Slots    int64
}

// reserveSlotScript picks the fullest-but-free session and takes one
// slot. Members whose record vanished or no longer has room are dropped
// from the index and the scan continues, so a stale index entry can
// never hand out an over-committed session.
var reserveSlotScript = redis.NewScript(`
while true do
  local picked = redis.call('ZREVRANGE', KEYS[1], 0, 0)
  if #picked == 0 then return '' end
  local sid = picked[1]
  local skey = ARGV[1] .. sid
  if redis.call('EXISTS', skey) == 1 then
    local max = tonumber(redis.call('HGET', skey, 'max_slots') or '0')
    local active = tonumber(redis.call('HGET', skey, 'active_games') or '0')
    if active < max then
      active = redis.call('HINCRBY', skey, 'active_games', 1)
      local avail = max - active
      if avail < 0 then avail = 0 end
      redis.call('HSET', skey, 'available_slots', avail, 'updated_at', ARGV[2])
      if avail > 0 then
        redis.call('ZADD', KEYS[1], avail, sid)
      else
        redis.call('ZREM', KEYS[1], sid)
      end
      return sid
    end
    redis.call('HSET', skey, 'available_slots', 0, 'updated_at', ARGV[2])
  end
  redis.call('ZREM', KEYS[1], sid)
end
`)

// releaseSlotScript undoes a reservation that never became a game.
var releaseSlotScript = redis.NewScript(`
local skey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', skey) == 0 then return 0 end
local active = redis.call('HINCRBY', skey, 'active_games', -1)
if active < 0 then
  active = 0
  redis.call('HSET', skey, 'active_games', 0)
end
local max = tonumber(redis.call('HGET', skey, 'max_slots') or '0')
local avail = max - active
if avail < 0 then avail = 0 end
redis.call('HSET', skey, 'available_slots', avail, 'updated_at', ARGV[3])
if avail > 0 then
  redis.call('ZADD', KEYS[1], avail, ARGV[2])
else
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return 1
`)

// appendGameScript adds a game id to the session's game_ids list if it
// is not already present. The slot itself was taken at reservation time.
var appendGameScript = redis.NewScript(`
local skey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', skey) == 0 then return 0 end
local csv = redis.call('HGET', skey, 'game_ids')
if csv == false then csv = '' end
for id in string.gmatch(csv, '([^,]+)') do
  if id == ARGV[3] then return 1 end
end
if csv == '' then csv = ARGV[3] else csv = csv .. ',' .. ARGV[3] end
redis.call('HSET', skey, 'game_ids', csv, 'updated_at', ARGV[4])
return 1
`)

// removeGameScript drops a game id from game_ids and frees its slot.
// The decrement is tied to list membership, so running it twice for the
// same game frees the slot exactly once.
var removeGameScript = redis.NewScript(`
local skey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', skey) == 0 then return 0 end
local csv = redis.call('HGET', skey, 'game_ids')
if csv == false then csv = '' end
local kept = {}
local removed = false
for id in string.gmatch(csv, '([^,]+)') do
  if id == ARGV[3] then removed = true else kept[#kept+1] = id end
end
if not removed then return 0 end
redis.call('HSET', skey, 'game_ids', table.concat(kept, ','))
local active = redis.call('HINCRBY', skey, 'active_games', -1)
if active < 0 then
  active = 0
  redis.call('HSET', skey, 'active_games', 0)
end
local max = tonumber(redis.call('HGET', skey, 'max_slots') or '0')
local avail = max - active
if avail < 0 then avail = 0 end
redis.call('HSET', skey, 'available_slots', avail, 'updated_at', ARGV[4])
if avail > 0 then
  redis.call('ZADD', KEYS[1], avail, ARGV[2])
else
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return 1
`)

// refreshAvailabilityScript recomputes available_slots from the stored
// fields and syncs the index entry.
var refreshAvailabilityScript = redis.NewScript(`
local skey = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', skey) == 0 then
  redis.call('ZREM', KEYS[1], ARGV[2])
  return -1
end
local max = tonumber(redis.call('HGET', skey, 'max_slots') or '0')
local active = tonumber(redis.call('HGET', skey, 'active_games') or '0')
local avail = max - active
if avail < 0 then avail = 0 end
redis.call('HSET', skey, 'available_slots', avail, 'updated_at', ARGV[3])
if avail > 0 then
  redis.call('ZADD', KEYS[1], avail, ARGV[2])
else
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return avail
`)

// writeStateScript is the owner's wholesale write at runner startup and
// after reconciliation.
var writeStateScript = redis.NewScript(`
local skey = ARGV[1] .. ARGV[2]
local max = tonumber(ARGV[3])
local active = tonumber(ARGV[4])
local avail = max - active
if avail < 0 then avail = 0 end
redis.call('HSET', skey,
  'max_slots', max,
  'active_games', active,
  'game_ids', ARGV[5],
  'available_slots', avail,
  'updated_at', ARGV[6])
if avail > 0 then
  redis.call('ZADD', KEYS[1], avail, ARGV[2])
else
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return avail
`)

// ReserveSlot takes one slot on the session with the most availability.
// Returns ErrNoCapacity when the index is empty or holds only stale
// entries.
func (s *Store) ReserveSlot(ctx context.Context) (string, error) {
	sid, err := reserveSlotScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, nowMillis(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("reserve slot: %w", err)
	}
	if sid == "" {
		return "", ErrNoCapacity
	}
	return sid, nil
}

// ReleaseSlot returns a reserved slot that was never materialized into a
// game. Missing sessions are a no-op.
func (s *Store) ReleaseSlot(ctx context.Context, sessionID string) error {
	err := releaseSlotScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, sessionID, nowMillis(),
	).Err()
	if err != nil {
		return fmt.Errorf("release slot %s: %w", sessionID, err)
	}
	return nil
}

// AppendSessionGame records a materialized game on its session.
func (s *Store) AppendSessionGame(ctx context.Context, sessionID, gameID string) error {
	err := appendGameScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, sessionID, gameID, nowMillis(),
	).Err()
	if err != nil {
		return fmt.Errorf("append game %s to %s: %w", gameID, sessionID, err)
	}
	return nil
}

// RemoveSessionGame detaches a finished game from its session and frees
// the slot. Reports false when the game was not tracked, which makes
// repeated finalization attempts harmless.
func (s *Store) RemoveSessionGame(ctx context.Context, sessionID, gameID string) (bool, error) {
	n, err := removeGameScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, sessionID, gameID, nowMillis(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove game %s from %s: %w", gameID, sessionID, err)
	}
	return n == 1, nil
}

// RefreshSessionAvailability recomputes the index entry from the session
// record. Returns the advertised slot count, or -1 when the record is
// gone and the entry was dropped.
func (s *Store) RefreshSessionAvailability(ctx context.Context, sessionID string) (int64, error) {
	n, err := refreshAvailabilityScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, sessionID, nowMillis(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	return n, nil
}

// WriteSessionState replaces the session record wholesale. Only the
// owning runner and the reconciler call this.
func (s *Store) WriteSessionState(ctx context.Context, sess Session) error {
	err := writeStateScript.Run(ctx, s.rdb,
		[]string{keySessionsAvailable},
		sessionKeyPrefix, sess.ID, sess.MaxSlots, sess.ActiveGames,
		joinIDs(sess.GameIDs), nowMillis(),
	).Err()
	if err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	return nil
}

// Session reads one session record.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	m, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("read session %s: %w", id, err)
	}
	if len(m) == 0 {
		return Session{}, ErrNotFound
	}
	return parseSession(id, m), nil
}

// Sessions walks every session record.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		if len(keys) > 0 {
			pipe := s.rdb.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("scan sessions page: %w", err)
			}
			for i, cmd := range cmds {
				m, err := cmd.Result()
				if err != nil || len(m) == 0 {
					continue
				}
				out = append(out, parseSession(keys[i][len(sessionKeyPrefix):], m))
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// DeleteSession removes the record and its index entry. Scale-down path.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, keySessionsAvailable, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// AvailableCapacity sums the availability index: how many sessions
// advertise free slots and how many slots in total.
func (s *Store) AvailableCapacity(ctx context.Context) (Capacity, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, keySessionsAvailable, 0, -1).Result()
	if err != nil {
		return Capacity{}, fmt.Errorf("available capacity: %w", err)
	}
	var c Capacity
	for _, m := range members {
		c.Sessions++
		c.Slots += int64(m.Score)
	}
	return c, nil
}

// AvailabilityIndex returns the raw index members and scores. The
// reconciler uses it to spot entries with no backing record.
func (s *Store) AvailabilityIndex(ctx context.Context) (map[string]int64, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, keySessionsAvailable, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("availability index: %w", err)
	}
	out := make(map[string]int64, len(members))
	for _, m := range members {
		if sid, ok := m.Member.(string); ok {
			out[sid] = int64(m.Score)
		}
	}
	return out, nil
}

// DropAvailability removes an index entry without touching the record.
func (s *Store) DropAvailability(ctx context.Context, sessionID string) error {
	if err := s.rdb.ZRem(ctx, keySessionsAvailable, sessionID).Err(); err != nil {
		return fmt.Errorf("drop availability %s: %w", sessionID, err)
	}
	return nil
}

func parseSession(id string, m map[string]string) Session {
	return Session{
		ID:             id,
		MaxSlots:       parseInt(m[fieldMaxSlots]),
		ActiveGames:    parseInt(m[fieldActiveGames]),
		GameIDs:        splitIDs(m[fieldGameIDs]),
		AvailableSlots: parseInt(m[fieldAvailableSlots]),
		UpdatedAt:      parseInt(m[fieldUpdatedAt]),
	}
}
