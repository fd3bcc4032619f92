// Cross-role tests: the matchmaker, session runner, and capacity
// provider composed against one in-memory coordination store, the way
// the processes compose against Redis in production.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FishoutG/queue-sim/internal/capacity"
	"github.com/FishoutG/queue-sim/internal/matchmaker"
	"github.com/FishoutG/queue-sim/internal/runner"
	"github.com/FishoutG/queue-sim/internal/store"
	"github.com/FishoutG/queue-sim/internal/store/storetest"
)

func newRunner(t *testing.T, st *storetest.Store, id string, slots int64) *runner.Runner {
	t.Helper()
	r, err := runner.New(st, runner.Options{
		SessionID:     id,
		MaxSlots:      slots,
		Poll:          time.Millisecond,
		FinishLockTTL: time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

// newMatchmaker pins the match duration to one millisecond so lifecycle
// tests can wait out end_at with a short sleep.
func newMatchmaker(t *testing.T, st *storetest.Store, size int) *matchmaker.Matchmaker {
	t.Helper()
	mm, err := matchmaker.New(st, matchmaker.Options{
		PlayersPerGame: size,
		MaxPull:        4 * size,
		LockTTL:        time.Second,
		IdleWait:       time.Millisecond,
		NoCapacityWait: time.Millisecond,
		MatchMin:       time.Millisecond,
		MatchMax:       time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return mm
}

func readyPlayers(t *testing.T, st *storetest.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, st.EnsurePlayer(ctx, id))
		require.NoError(t, st.SetPlayerReady(ctx, id))
		require.NoError(t, st.PushReady(ctx, id))
	}
}

func allGames(t *testing.T, st *storetest.Store) []store.Game {
	t.Helper()
	var out []store.Game
	require.NoError(t, st.ScanGames(context.Background(), func(g store.Game) error {
		out = append(out, g)
		return nil
	}))
	return out
}

func eventsOfKind(st *storetest.Store, kind store.EventKind) []store.Event {
	var out []store.Event
	for _, ev := range st.PublishedEvents() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestMatchLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()

	r := newRunner(t, st, "session-0", 1)
	require.NoError(t, r.Bootstrap(ctx))

	members := []string{"p1", "p2", "p3", "p4"}
	readyPlayers(t, st, members...)

	newMatchmaker(t, st, 4).Tick(ctx)

	games := allGames(t, st)
	require.Len(t, games, 1)
	g := games[0]
	assert.Equal(t, store.GameRunning, g.State)
	assert.Equal(t, "session-0", g.SessionID)

	placed, err := st.GamePlayers(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, members, placed)

	found := eventsOfKind(st, store.EventMatchFound)
	require.Len(t, found, 1)
	assert.Equal(t, g.ID, found[0].GameID)
	assert.ElementsMatch(t, members, found[0].PlayerIDs)

	for _, id := range members {
		p, err := st.Player(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StateInGame, p.State, id)
		assert.Equal(t, g.ID, p.GameID, id)
		assert.Equal(t, "session-0", p.SessionID, id)
	}

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sess.ActiveGames)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.NotContains(t, idx, "session-0", "a full session must not be offered")

	// Wait out the scheduled end, then let the runner settle it.
	time.Sleep(20 * time.Millisecond)
	r.Tick(ctx)

	g2, err := st.Game(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GameFinished, g2.State)

	for _, id := range members {
		p, err := st.Player(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StateLobby, p.State, id)
		assert.Empty(t, p.GameID, id)
		assert.Empty(t, p.SessionID, id)
	}

	ended := eventsOfKind(st, store.EventMatchEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, g.ID, ended[0].GameID)
	assert.ElementsMatch(t, members, ended[0].PlayerIDs)

	sess, err = st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Zero(t, sess.ActiveGames)

	idx, err = st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx["session-0"], "the freed slot is offered again")
}

func TestStaleQueueEntriesDiscardedAtMatchTime(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	now := time.Now().UnixMilli()

	st.SeedSession(store.Session{ID: "session-0", MaxSlots: 1, UpdatedAt: now})
	st.SeedPlayer(store.Player{ID: "A", State: store.StateLobby, HeartbeatAt: now})
	st.SeedPlayer(store.Player{ID: "B", State: store.StateReady, HeartbeatAt: now})
	st.SeedPlayer(store.Player{ID: "C", State: store.StateReady, HeartbeatAt: now})
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, st.PushReady(ctx, id))
	}

	newMatchmaker(t, st, 2).Tick(ctx)

	games := allGames(t, st)
	require.Len(t, games, 1)
	placed, err := st.GamePlayers(ctx, games[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C"}, placed)

	qlen, err := st.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, qlen, "the stale entry is consumed, not returned")

	a, err := st.Player(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, store.StateLobby, a.State)
	assert.Empty(t, a.GameID, "an unready player is never placed")
}

func TestInsufficientReadyPlayersLeaveQueueUntouched(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	now := time.Now().UnixMilli()

	st.SeedSession(store.Session{ID: "session-0", MaxSlots: 1, UpdatedAt: now})
	readyPlayers(t, st, "A", "B")

	newMatchmaker(t, st, 3).Tick(ctx)

	assert.Empty(t, allGames(t, st))
	assert.Empty(t, st.PublishedEvents())

	snapshot, err := st.QueueSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, snapshot, "relative order preserved")

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx["session-0"], "no slot was consumed")
}

func TestConcurrentFinalizersFinishExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	now := time.Now().UnixMilli()

	st.SeedGame(store.Game{
		ID:        "g1",
		SessionID: "session-0",
		State:     store.GameRunning,
		StartedAt: now - 5000,
		EndAt:     now - 1000,
	}, []string{"a", "b"})
	st.SeedSession(store.Session{
		ID:          "session-0",
		MaxSlots:    1,
		ActiveGames: 1,
		GameIDs:     []string{"g1"},
		UpdatedAt:   now,
	})
	st.SeedPlayer(store.Player{ID: "a", State: store.StateInGame, GameID: "g1", SessionID: "session-0", HeartbeatAt: now})
	st.SeedPlayer(store.Player{ID: "b", State: store.StateInGame, GameID: "g1", SessionID: "session-0", HeartbeatAt: now})

	// Two incarnations of the same session, as after a crash overlap.
	r1 := newRunner(t, st, "session-0", 1)
	r2 := newRunner(t, st, "session-0", 1)
	require.NoError(t, r1.Bootstrap(ctx))
	require.NoError(t, r2.Bootstrap(ctx))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r1.Tick(ctx) }()
	go func() { defer wg.Done(); r2.Tick(ctx) }()
	wg.Wait()

	ended := eventsOfKind(st, store.EventMatchEnded)
	assert.Len(t, ended, 1, "one finish event despite two finalizers")

	g, err := st.Game(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, store.GameFinished, g.State)

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Zero(t, sess.ActiveGames, "the slot is freed exactly once")
	assert.Empty(t, sess.GameIDs)

	for _, id := range []string{"a", "b"} {
		p, err := st.Player(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StateLobby, p.State, id)
	}
}

func TestFleetScalesUpUnderQueuePressure(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := capacity.NewFakeBackend()

	p, err := capacity.New(st, fb, capacity.Options{
		PlayersPerGame:     10,
		SlotsPerSession:    1,
		MinSessions:        1,
		MaxSessions:        5,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		ScaleUpCooldown:    time.Hour,
		ScaleDownAfter:     time.Hour,
		ScaleUpBatch:       2,
		ScaleDownBatch:     1,
		Poll:               time.Millisecond,
		CorrectAfter:       time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		ids = append(ids, fmt.Sprintf("p%02d", i))
	}
	readyPlayers(t, st, ids...)

	mm := newMatchmaker(t, st, 10)
	now := time.Now()

	// Cold start: the provider bootstraps to the minimum.
	p.Tick(ctx, now)
	assert.Equal(t, []string{"session-0"}, fb.IDs())

	// The instance comes up and its runner advertises.
	require.NoError(t, newRunner(t, st, "session-0", 1).Bootstrap(ctx))

	mm.Tick(ctx)
	qlen, err := st.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 20, qlen, "one match placed, rest still waiting")

	// A full fleet with a waiting queue is starvation; the step sizes
	// to the demand left over: two more matches, two more sessions.
	p.Tick(ctx, now.Add(time.Second))
	assert.Equal(t, []string{"session-0", "session-1", "session-2"}, fb.IDs())
	assert.Len(t, fb.Created(), 3)

	require.NoError(t, newRunner(t, st, "session-1", 1).Bootstrap(ctx))
	require.NoError(t, newRunner(t, st, "session-2", 1).Bootstrap(ctx))

	mm.Tick(ctx)
	qlen, err = st.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, qlen, "the queue drains once capacity exists")

	games := allGames(t, st)
	require.Len(t, games, 3)
	seen := make(map[string]bool)
	for _, g := range games {
		placed, err := st.GamePlayers(ctx, g.ID)
		require.NoError(t, err)
		require.Len(t, placed, 10, g.ID)
		for _, id := range placed {
			assert.False(t, seen[id], "player %s placed twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 30)

	// Saturated but not starved: the cooldown holds further growth.
	p.Tick(ctx, now.Add(2*time.Second))
	assert.Len(t, fb.Created(), 3, "no growth inside the cooldown window")
}

func TestLeakedReservationReclaimedWhileRunnerLives(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := capacity.NewFakeBackend("session-0")

	r := newRunner(t, st, "session-0", 2)
	require.NoError(t, r.Bootstrap(ctx))

	// A matchmaker reserved a slot, then died before creating the game.
	_, err := st.ReserveSlot(ctx)
	require.NoError(t, err)

	p, err := capacity.New(st, fb, capacity.Options{
		PlayersPerGame:     2,
		SlotsPerSession:    2,
		MinSessions:        1,
		MaxSessions:        5,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		ScaleUpCooldown:    time.Hour,
		ScaleDownAfter:     time.Hour,
		ScaleUpBatch:       2,
		ScaleDownBatch:     1,
		Poll:               time.Millisecond,
		CorrectAfter:       time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)

	// The runner keeps the record fresh the whole time, so the stale
	// rebuild never applies; the lease-guarded reclaim has to.
	now := time.Now()
	for i := 0; i < 3; i++ {
		r.Tick(ctx)
		p.Tick(ctx, now.Add(time.Duration(i)*time.Second))
	}

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Zero(t, sess.ActiveGames, "the dead matchmaker's reservation is released")
	assert.EqualValues(t, 2, sess.AvailableSlots)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, idx["session-0"], "both slots offered again")

	assert.Empty(t, fb.Created())
	assert.Empty(t, fb.Destroyed())
	assert.False(t, st.LockHeld(store.MatchmakerLockKey()))
}

// flakyBackend simulates a hypervisor API that intermittently reports
// an empty fleet.
type flakyBackend struct {
	capacity.Backend
	empty bool
}

func (b *flakyBackend) List(ctx context.Context) ([]capacity.Instance, error) {
	if b.empty {
		return nil, nil
	}
	return b.Backend.List(ctx)
}

func TestFleetScalesDownPastGuardAndTimer(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	now := time.Now()

	fb := capacity.NewFakeBackend("session-0", "session-1", "session-2", "session-3", "session-4")
	for i := 0; i < 5; i++ {
		st.SeedSession(store.Session{
			ID:        fmt.Sprintf("session-%d", i),
			MaxSlots:  1,
			UpdatedAt: now.UnixMilli(),
		})
	}
	wrapped := &flakyBackend{Backend: fb}

	p, err := capacity.New(st, wrapped, capacity.Options{
		PlayersPerGame:     10,
		SlotsPerSession:    1,
		MinSessions:        1,
		MaxSessions:        5,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		ScaleUpCooldown:    time.Hour,
		ScaleDownAfter:     time.Minute,
		ScaleUpBatch:       2,
		ScaleDownBatch:     3,
		Poll:               time.Millisecond,
		CorrectAfter:       time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)

	// Zero demand starts the low-usage timer.
	p.Tick(ctx, now)
	assert.Empty(t, fb.Destroyed())

	// A flaky empty list mid-window must not delete or create anything.
	wrapped.empty = true
	p.Tick(ctx, now.Add(30*time.Second))
	sessions, err := st.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 5, "records survive a blind tick")
	assert.Empty(t, fb.Destroyed())
	assert.Empty(t, fb.Created())

	// Healthy again and past the window: retire idle runners, newest
	// first, bounded by the batch.
	wrapped.empty = false
	p.Tick(ctx, now.Add(90*time.Second))
	assert.Equal(t, []string{"session-4", "session-3", "session-2"}, fb.Destroyed())

	for _, id := range []string{"session-2", "session-3", "session-4"} {
		_, err := st.Session(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound, id)
	}

	// The next low streak takes the fleet to the floor.
	p.Tick(ctx, now.Add(91*time.Second))
	p.Tick(ctx, now.Add(200*time.Second))
	assert.Equal(t, []string{"session-0"}, fb.IDs())
	assert.Equal(t, "session-1", fb.Destroyed()[3])
}
