package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FishoutG/queue-sim/internal/store"
	"github.com/FishoutG/queue-sim/internal/store/storetest"
)

func TestTickDeletesOrphanSessionRecords(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	p := newTestProvider(t, st, fb, testOptions())

	now := time.Now()
	st.SeedSession(store.Session{ID: "session-0", MaxSlots: 2, UpdatedAt: now.UnixMilli()})
	st.SeedSession(store.Session{ID: "session-7", MaxSlots: 2, UpdatedAt: now.UnixMilli()})

	p.Tick(ctx, now)

	_, err := st.Session(ctx, "session-7")
	assert.ErrorIs(t, err, store.ErrNotFound, "record without a backend instance")
	_, err = st.Session(ctx, "session-0")
	assert.NoError(t, err)
	assert.Empty(t, fb.Destroyed(), "cleanup touches records, not instances")
}

func TestTickKeepsRecordsWhenBackendListsNothing(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend()
	opts := testOptions()
	opts.MinSessions = 0
	p := newTestProvider(t, st, fb, opts)

	now := time.Now()
	st.SeedSession(store.Session{ID: "session-0", MaxSlots: 2, UpdatedAt: now.UnixMilli()})
	st.SeedSession(store.Session{ID: "session-1", MaxSlots: 2, UpdatedAt: now.UnixMilli()})

	p.Tick(ctx, now)

	// An empty list reads like a backend flake, never a reason to
	// throw away every record.
	for _, id := range []string{"session-0", "session-1"} {
		_, err := st.Session(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestTickDropsGhostIndexEntries(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	p := newTestProvider(t, st, fb, testOptions())

	now := time.Now()
	st.SeedSession(store.Session{ID: "session-0", MaxSlots: 2, UpdatedAt: now.UnixMilli()})
	st.SeedAvailability("session-9", 4)

	p.Tick(ctx, now)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.NotContains(t, idx, "session-9")
	assert.EqualValues(t, 2, idx["session-0"])
}

func TestTickResyncsDriftedIndexEntries(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0", "session-1", "session-2")
	p := newTestProvider(t, st, fb, testOptions())

	now := time.Now()
	// Wrong score.
	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 4, ActiveGames: 1,
		GameIDs:   []string{"g0"},
		UpdatedAt: now.UnixMilli(),
	})
	st.SeedAvailability("session-0", 1)
	// Missing entry.
	st.SeedSession(store.Session{
		ID: "session-1", MaxSlots: 2, UpdatedAt: now.UnixMilli(),
	})
	require.NoError(t, st.DropAvailability(ctx, "session-1"))
	// Full session wrongly advertised.
	st.SeedSession(store.Session{
		ID: "session-2", MaxSlots: 2, ActiveGames: 2,
		GameIDs:   []string{"g1", "g2"},
		UpdatedAt: now.UnixMilli(),
	})
	st.SeedAvailability("session-2", 2)

	p.Tick(ctx, now)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, idx["session-0"])
	assert.EqualValues(t, 2, idx["session-1"])
	assert.NotContains(t, idx, "session-2")
}

func TestTickRebuildsStaleRecordFromGameTruth(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0", "session-1")
	opts := testOptions()
	opts.CorrectAfter = time.Minute
	p := newTestProvider(t, st, fb, opts)

	base := time.Now()
	// Stale record claiming three games; only one is actually RUNNING
	// here, one finished, one never existed.
	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 4, ActiveGames: 3,
		GameIDs:   []string{"g-live", "g-done", "g-ghost"},
		UpdatedAt: base.UnixMilli(),
	})
	st.SeedGame(store.Game{ID: "g-live", SessionID: "session-0", State: store.GameRunning}, []string{"p1", "p2"})
	st.SeedGame(store.Game{ID: "g-done", SessionID: "session-0", State: store.GameFinished}, []string{"p3", "p4"})

	// Freshly updated record with the same kind of drift stays alone;
	// its runner is alive and owns it.
	st.SeedSession(store.Session{
		ID: "session-1", MaxSlots: 4, ActiveGames: 2,
		GameIDs:   []string{"g-other", "g-extra"},
		UpdatedAt: base.Add(90 * time.Second).UnixMilli(),
	})
	st.SeedGame(store.Game{ID: "g-other", SessionID: "session-1", State: store.GameRunning}, []string{"p5", "p6"})

	p.Tick(ctx, base.Add(2*time.Minute))

	rebuilt, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rebuilt.ActiveGames)
	assert.Equal(t, []string{"g-live"}, rebuilt.GameIDs)
	assert.EqualValues(t, 3, rebuilt.AvailableSlots)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, idx["session-0"])

	untouched, err := st.Session(ctx, "session-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, untouched.ActiveGames)
	assert.ElementsMatch(t, []string{"g-other", "g-extra"}, untouched.GameIDs)
}

func TestTickRebuildSkipsConsistentStaleRecords(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	opts := testOptions()
	opts.CorrectAfter = time.Minute
	p := newTestProvider(t, st, fb, opts)

	base := time.Now()
	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 4, ActiveGames: 1,
		GameIDs:   []string{"g-live"},
		UpdatedAt: base.UnixMilli(),
	})
	st.SeedGame(store.Game{ID: "g-live", SessionID: "session-0", State: store.GameRunning}, []string{"p1", "p2"})

	p.Tick(ctx, base.Add(2*time.Minute))

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Equal(t, base.UnixMilli(), sess.UpdatedAt, "consistent record not rewritten")
}

func TestTickReclaimsLeakedReservationOnLiveRecord(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	p := newTestProvider(t, st, fb, testOptions())

	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 2, UpdatedAt: time.Now().UnixMilli(),
	})
	// The matchmaker reserved a slot and died before creating the game.
	_, err := st.ReserveSlot(ctx)
	require.NoError(t, err)

	p.Tick(ctx, time.Now())

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Zero(t, sess.ActiveGames, "reservation without a game is released")
	assert.EqualValues(t, 2, sess.AvailableSlots)

	idx, err := st.AvailabilityIndex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, idx["session-0"])
	assert.False(t, st.LockHeld(store.MatchmakerLockKey()), "lease released after reclaim")
	assert.Empty(t, fb.Created(), "a repaired fleet needs no growth")
}

func TestTickReclaimKeepsSlotOfUnlistedRunningGame(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	p := newTestProvider(t, st, fb, testOptions())

	// Crash between the game write group and the ledger append: the
	// RUNNING game owns its slot even though game_ids lacks it.
	now := time.Now()
	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 2, ActiveGames: 1, UpdatedAt: now.UnixMilli(),
	})
	st.SeedGame(store.Game{ID: "g1", SessionID: "session-0", State: store.GameRunning}, []string{"p1", "p2"})

	p.Tick(ctx, now)

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sess.ActiveGames, "slot backed by a real game stays taken")
	assert.EqualValues(t, 1, sess.AvailableSlots)
}

func TestTickReclaimWaitsForMatchmakerLease(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	fb := NewFakeBackend("session-0")
	p := newTestProvider(t, st, fb, testOptions())

	st.SeedSession(store.Session{
		ID: "session-0", MaxSlots: 2, UpdatedAt: time.Now().UnixMilli(),
	})
	_, err := st.ReserveSlot(ctx)
	require.NoError(t, err)

	// Mid-round matchmaker holds the lease; its reservation may be
	// about to become a game.
	token, ok, err := st.AcquireLock(ctx, store.MatchmakerLockKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p.Tick(ctx, time.Now())

	sess, err := st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sess.ActiveGames, "no release while the lease is held")

	require.NoError(t, st.ReleaseLock(ctx, store.MatchmakerLockKey(), token))
	p.Tick(ctx, time.Now())

	sess, err = st.Session(ctx, "session-0")
	require.NoError(t, err)
	assert.Zero(t, sess.ActiveGames, "released once the lease is free again")
}
