package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "player:p1", playerKey("p1"))
	assert.Equal(t, "session:session-0", sessionKey("session-0"))
	assert.Equal(t, "game:g1", gameKey("g1"))
	assert.Equal(t, "game:g1:players", gamePlayersKey("g1"))
	assert.Equal(t, "lock:finish:g1", FinishLockKey("g1"))
	assert.Equal(t, "lock:matchmaker", MatchmakerLockKey())
}

func TestSplitJoinIDs(t *testing.T) {
	assert.Nil(t, splitIDs(""))
	assert.Equal(t, []string{"a"}, splitIDs("a"))
	assert.Equal(t, []string{"a", "b"}, splitIDs("a,b"))
	// Tolerate empty segments left by manual edits.
	assert.Equal(t, []string{"a", "b"}, splitIDs("a,,b,"))

	assert.Equal(t, "", joinIDs(nil))
	assert.Equal(t, "a,b", joinIDs([]string{"a", "b"}))
}
