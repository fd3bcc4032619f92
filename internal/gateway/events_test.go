package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FishoutG/queue-sim/internal/protocol"
	"github.com/FishoutG/queue-sim/internal/store"
	"github.com/FishoutG/queue-sim/internal/store/storetest"
)

func TestDeliverMatchFoundToLocalMembers(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	a := newTestClient(1)
	b := newTestClient(2)
	identify(t, s, a, "a")
	identify(t, s, b, "b")

	s.deliverEvent(store.Event{
		Kind:      store.EventMatchFound,
		GameID:    "g1",
		SessionID: "session-0",
		PlayerIDs: []string{"a", "b", "elsewhere"},
	})

	for _, c := range []*client{a, b} {
		found := nextFrame(t, c)
		assert.Equal(t, protocol.TypeMatchFound, found.Type)
		assert.Equal(t, "g1", found.GameID)
		assert.Equal(t, "session-0", found.SessionID)

		state := nextFrame(t, c)
		assert.Equal(t, protocol.TypeState, state.Type)
		assert.Equal(t, store.StateInGame, state.State)
	}
}

func TestDeliverMatchEndedReturnsToLobby(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	s.deliverEvent(store.Event{
		Kind:      store.EventMatchEnded,
		GameID:    "g1",
		SessionID: "session-0",
		PlayerIDs: []string{"p1"},
	})

	ended := nextFrame(t, c)
	assert.Equal(t, protocol.TypeMatchEnded, ended.Type)
	assert.Equal(t, "g1", ended.GameID)

	state := nextFrame(t, c)
	assert.Equal(t, store.StateLobby, state.State)
}

func TestDeliverIgnoresUnknownKind(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	s.deliverEvent(store.Event{Kind: "weird", PlayerIDs: []string{"p1"}})

	assertNoFrame(t, c)
}

func TestDeliverSkipsAbsentMembersEntirely(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)

	// Nobody bound locally; must not panic or enqueue anywhere.
	s.deliverEvent(store.Event{
		Kind:      store.EventMatchFound,
		GameID:    "g1",
		PlayerIDs: []string{"x", "y"},
	})
}

func TestForwardEventsPushesPublishedEvents(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	require.NoError(t, s.forwardEvents())

	require.NoError(t, st.PublishMatchFound(context.Background(), store.Event{
		GameID:    "g1",
		SessionID: "session-0",
		PlayerIDs: []string{"p1"},
	}))

	found := nextFrame(t, c)
	assert.Equal(t, protocol.TypeMatchFound, found.Type)
	assert.Equal(t, "g1", found.GameID)

	state := nextFrame(t, c)
	assert.Equal(t, store.StateInGame, state.State)
}

func TestForwardEventsPropagatesSubscribeFailure(t *testing.T) {
	st := storetest.New()
	st.Hook = func(op string) error {
		if op == "SubscribeEvents" {
			return assert.AnError
		}
		return nil
	}
	s := newTestServer(t, st)

	err := s.forwardEvents()
	require.Error(t, err)
}
