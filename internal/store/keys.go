package store

import "strings"

// Key families in the coordination store. Every cross-role interaction
// happens through these keys; nothing else is shared.
const (
	keyQueueReady        = "queue:ready"
	keySessionsAvailable = "sessions:available"
	keyLockMatchmaker    = "lock:matchmaker"

	playerKeyPrefix  = "player:"
	sessionKeyPrefix = "session:"
	gameKeyPrefix    = "game:"
	finishLockPrefix = "lock:finish:"

	gamePlayersSuffix = ":players"

	topicMatchFound = "events:match_found"
	topicMatchEnded = "events:match_ended"
)

// Player lifecycle states.
const (
	StateLobby  = "IN_LOBBY"
	StateReady  = "READY"
	StateInGame = "IN_GAME"
)

// Game lifecycle states.
const (
	GameRunning  = "RUNNING"
	GameFinished = "FINISHED"
)

// Hash field names.
const (
	fieldState       = "state"
	fieldGameID      = "game_id"
	fieldSessionID   = "session_id"
	fieldHeartbeatAt = "heartbeat_at"

	fieldMaxSlots       = "max_slots"
	fieldActiveGames    = "active_games"
	fieldGameIDs        = "game_ids"
	fieldAvailableSlots = "available_slots"
	fieldUpdatedAt      = "updated_at"

	fieldStartedAt  = "started_at"
	fieldEndAt      = "end_at"
	fieldFinishedAt = "finished_at"
)

// MatchmakerLockKey is the election key for the matchmaker tick.
func MatchmakerLockKey() string { return keyLockMatchmaker }

// FinishLockKey is the per-game finalization fence.
func FinishLockKey(gameID string) string { return finishLockPrefix + gameID }

func playerKey(id string) string  { return playerKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }
func gameKey(id string) string    { return gameKeyPrefix + id }

func gamePlayersKey(id string) string { return gameKey(id) + gamePlayersSuffix }

// joinIDs and splitIDs handle the comma separated game_ids field. An
// empty list is stored as the empty string, never as a lone comma.
func joinIDs(ids []string) string { return strings.Join(ids, ",") }

func splitIDs(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
