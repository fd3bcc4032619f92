// Package matchmaker assembles full matches from the ready queue and
// places them on sessions with free slots. Any number of replicas may
// run; a store-side lease elects the one that works each tick.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/FishoutG/queue-sim/internal/ident"
	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/store"
)

// Store is the slice of the coordination store the matchmaker uses.
type Store interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	QueueLen(ctx context.Context) (int64, error)
	AvailableCapacity(ctx context.Context) (store.Capacity, error)
	ReserveSlot(ctx context.Context) (string, error)
	ReleaseSlot(ctx context.Context, sessionID string) error
	PopReady(ctx context.Context, n int64) ([]string, error)
	ReturnReady(ctx context.Context, ids []string) error
	PlayerStates(ctx context.Context, ids []string) (map[string]store.Player, error)
	CreateGame(ctx context.Context, g store.Game, players []string) error
	PublishMatchFound(ctx context.Context, ev store.Event) error
}

// Options tunes one matchmaker instance.
type Options struct {
	PlayersPerGame int
	MaxPull        int
	LockTTL        time.Duration
	IdleWait       time.Duration
	NoCapacityWait time.Duration
	MatchMin       time.Duration
	MatchMax       time.Duration
}

// Matchmaker runs the tick loop.
type Matchmaker struct {
	st   Store
	opts Options
	log  zerolog.Logger
}

// New validates the options and returns a runnable matchmaker.
func New(st Store, opts Options, log zerolog.Logger) (*Matchmaker, error) {
	if opts.PlayersPerGame <= 0 {
		return nil, fmt.Errorf("matchmaker: players per game must be positive, got %d", opts.PlayersPerGame)
	}
	if opts.MaxPull < opts.PlayersPerGame {
		return nil, fmt.Errorf("matchmaker: max pull %d below match size %d", opts.MaxPull, opts.PlayersPerGame)
	}
	return &Matchmaker{st: st, opts: opts, log: log}, nil
}

// Run ticks until ctx is canceled.
func (m *Matchmaker) Run(ctx context.Context) error {
	m.log.Info().
		Int("players_per_game", m.opts.PlayersPerGame).
		Int("max_pull", m.opts.MaxPull).
		Dur("idle_wait", m.opts.IdleWait).
		Msg("matchmaker started")
	for {
		wait := m.Tick(ctx)
		select {
		case <-ctx.Done():
			m.log.Info().Msg("matchmaker stopped")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tick runs one election plus match cycle and reports how long to wait
// before the next one.
func (m *Matchmaker) Tick(ctx context.Context) time.Duration {
	token, ok, err := m.st.AcquireLock(ctx, store.MatchmakerLockKey(), m.opts.LockTTL)
	if err != nil {
		metrics.RecordLockAttempt("matchmaker", metrics.LockOutcomeError)
		m.log.Error().Err(err).Msg("matchmaker lock attempt failed")
		return m.opts.IdleWait
	}
	if !ok {
		metrics.RecordLockAttempt("matchmaker", metrics.LockOutcomeHeld)
		return m.opts.IdleWait
	}
	metrics.RecordLockAttempt("matchmaker", metrics.LockOutcomeAcquired)
	defer func() {
		if err := m.st.ReleaseLock(ctx, store.MatchmakerLockKey(), token); err != nil {
			// The lease TTL will clear it.
			m.log.Warn().Err(err).Msg("matchmaker lock release failed")
		}
	}()

	queued, err := m.st.QueueLen(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("queue length read failed")
		return m.opts.IdleWait
	}
	metrics.QueueDepth.Set(float64(queued))

	n := int64(m.opts.PlayersPerGame)
	if queued < n {
		return m.opts.IdleWait
	}

	capa, err := m.st.AvailableCapacity(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("capacity read failed")
		return m.opts.IdleWait
	}
	if capa.Slots == 0 {
		metrics.MatchTicksNoCapacity.Inc()
		m.log.Info().Int64("queued", queued).Msg("players waiting but no session capacity")
		return m.opts.NoCapacityWait
	}

	target := queued / n
	if target > capa.Slots {
		target = capa.Slots
	}
	created := 0
	for i := int64(0); i < target; i++ {
		ok, wait := m.round(ctx)
		if !ok {
			if wait > 0 {
				return wait
			}
			break
		}
		created++
	}
	if created > 0 {
		m.log.Info().Int("games", created).Int64("queued", queued).Msg("tick placed matches")
	}
	return m.opts.IdleWait
}

// round builds and places a single match. It returns ok=false when the
// tick should stop, with an optional override for the next wait.
func (m *Matchmaker) round(ctx context.Context) (bool, time.Duration) {
	sessionID, err := m.st.ReserveSlot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoCapacity) {
			metrics.MatchTicksNoCapacity.Inc()
			return false, m.opts.NoCapacityWait
		}
		m.log.Error().Err(err).Msg("slot reservation failed")
		return false, 0
	}

	out, err := collectBatch(
		func(k int64) ([]string, error) { return m.st.PopReady(ctx, k) },
		func(ids []string) (map[string]store.Player, error) { return m.st.PlayerStates(ctx, ids) },
		m.opts.PlayersPerGame, m.opts.MaxPull,
	)
	metrics.MatchCandidatesPulled.Add(float64(out.Inspected))
	metrics.MatchCandidatesStale.Add(float64(out.Stale))
	if len(out.Extras) > 0 {
		if rerr := m.st.ReturnReady(ctx, out.Extras); rerr != nil {
			m.log.Error().Err(rerr).Int("count", len(out.Extras)).Msg("returning extras failed")
		}
	}
	if err != nil || len(out.Picked) < m.opts.PlayersPerGame {
		if err != nil {
			m.log.Error().Err(err).Msg("batch collection failed")
		}
		m.abortRound(ctx, sessionID, out.Picked)
		return false, 0
	}

	now := time.Now()
	game := store.Game{
		ID:        ident.NewGameID(),
		SessionID: sessionID,
		StartedAt: now.UnixMilli(),
		EndAt:     now.Add(matchDuration(m.opts.MatchMin, m.opts.MatchMax, rand.Float64(), rand.Float64())).UnixMilli(),
	}
	if err := m.st.CreateGame(ctx, game, out.Picked); err != nil {
		m.log.Error().Err(err).Str("game_id", game.ID).Msg("game creation failed")
		m.abortRound(ctx, sessionID, out.Picked)
		return false, 0
	}

	ev := store.Event{GameID: game.ID, SessionID: sessionID, PlayerIDs: out.Picked}
	if err := m.st.PublishMatchFound(ctx, ev); err != nil {
		// The game stands; gateways just miss the push. Players learn
		// their state on reconnect.
		m.log.Warn().Err(err).Str("game_id", game.ID).Msg("match_found publish failed")
	} else {
		metrics.EventsPublished.WithLabelValues(string(store.EventMatchFound)).Inc()
	}

	metrics.MatchesCreated.Inc()
	m.log.Info().
		Str("game_id", game.ID).
		Str("session_id", sessionID).
		Int("players", len(out.Picked)).
		Int64("end_at", game.EndAt).
		Msg("match created")
	return true, 0
}

// abortRound hands a partial pick back to the queue tail and frees the
// reserved slot.
func (m *Matchmaker) abortRound(ctx context.Context, sessionID string, picked []string) {
	if len(picked) > 0 {
		if err := m.st.ReturnReady(ctx, picked); err != nil {
			m.log.Error().Err(err).Int("count", len(picked)).Msg("returning partial batch failed")
		}
	}
	if err := m.st.ReleaseSlot(ctx, sessionID); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("slot release failed")
	}
}

// matchDuration draws from a triangular distribution over [min, max]
// with the mode at the midpoint: the mean of two uniforms.
func matchDuration(min, max time.Duration, u1, u2 float64) time.Duration {
	if max <= min {
		return min
	}
	f := (u1 + u2) / 2
	return min + time.Duration(f*float64(max-min))
}
