// Package runner hosts games on behalf of one session. It owns the
// session record, adopts whatever the matchmaker assigns to it via
// game_ids, enforces scheduled game ends, and finalizes exactly once
// behind a per-game lease.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/store"
)

// Store is the slice of the coordination store a runner uses.
type Store interface {
	Session(ctx context.Context, id string) (store.Session, error)
	WriteSessionState(ctx context.Context, sess store.Session) error
	RefreshSessionAvailability(ctx context.Context, id string) (int64, error)
	Game(ctx context.Context, id string) (store.Game, error)
	GamePlayers(ctx context.Context, id string) ([]string, error)
	FinishGame(ctx context.Context, gameID string, players []string) error
	RemoveSessionGame(ctx context.Context, sessionID, gameID string) (bool, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	PublishMatchEnded(ctx context.Context, ev store.Event) error
}

// Options tunes one runner instance.
type Options struct {
	SessionID     string
	MaxSlots      int64
	Poll          time.Duration
	FinishLockTTL time.Duration
}

// Runner is not safe for concurrent use; Run owns it.
type Runner struct {
	st   Store
	opts Options
	log  zerolog.Logger

	// games tracks locally adopted games by scheduled end (unix ms).
	games map[string]int64
}

// New validates the options and returns a runnable session runner.
func New(st Store, opts Options, log zerolog.Logger) (*Runner, error) {
	if opts.SessionID == "" {
		return nil, errors.New("runner: session id required")
	}
	if opts.MaxSlots <= 0 {
		return nil, fmt.Errorf("runner: max slots must be positive, got %d", opts.MaxSlots)
	}
	return &Runner{
		st:    st,
		opts:  opts,
		log:   log,
		games: make(map[string]int64),
	}, nil
}

// Run advertises the session and polls until ctx is canceled. The
// session record is left in place on shutdown; a restart re-adopts it
// and the reconciler handles the case where the process never returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(r.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("session runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Bootstrap re-adopts games from a previous incarnation of this session
// and publishes the session record wholesale. Games that finished or
// vanished while the runner was down are dropped from the record here;
// their players were already restored or will be reaped.
func (r *Runner) Bootstrap(ctx context.Context) error {
	prev, err := r.st.Session(ctx, r.opts.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read own session: %w", err)
	}

	var kept []string
	for _, gid := range prev.GameIDs {
		g, err := r.st.Game(ctx, gid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.log.Warn().Str("game_id", gid).Msg("dropping vanished game at startup")
				continue
			}
			return fmt.Errorf("read game %s: %w", gid, err)
		}
		if g.State != store.GameRunning {
			continue
		}
		r.games[gid] = g.EndAt
		kept = append(kept, gid)
	}

	sess := store.Session{
		ID:          r.opts.SessionID,
		MaxSlots:    r.opts.MaxSlots,
		ActiveGames: int64(len(kept)),
		GameIDs:     kept,
	}
	if err := r.st.WriteSessionState(ctx, sess); err != nil {
		return fmt.Errorf("advertise session: %w", err)
	}
	r.publishGauges()
	r.log.Info().
		Str("session_id", r.opts.SessionID).
		Int64("max_slots", r.opts.MaxSlots).
		Int("adopted", len(kept)).
		Msg("session advertised")
	return nil
}

// Tick runs one discovery plus liveness pass.
func (r *Runner) Tick(ctx context.Context) {
	sess, err := r.st.Session(ctx, r.opts.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Scaled down underneath us, or wiped. Re-advertise with
			// whatever we still host; the capacity provider decides our
			// fate via the backend, not via the record.
			r.log.Warn().Msg("own session record missing, re-advertising")
			if err := r.Bootstrap(ctx); err != nil {
				r.log.Error().Err(err).Msg("re-advertise failed")
			}
			return
		}
		r.log.Error().Err(err).Msg("session read failed")
		return
	}

	assigned := make(map[string]bool, len(sess.GameIDs))
	now := time.Now().UnixMilli()
	for _, gid := range sess.GameIDs {
		assigned[gid] = true
		g, err := r.st.Game(ctx, gid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.dropGame(ctx, gid, "record missing")
				continue
			}
			r.log.Error().Err(err).Str("game_id", gid).Msg("game read failed")
			continue
		}
		switch {
		case g.State == store.GameFinished:
			r.dropGame(ctx, gid, "already finished")
		case g.State != store.GameRunning:
			r.dropGame(ctx, gid, "malformed state")
		default:
			if _, tracked := r.games[gid]; !tracked {
				r.games[gid] = g.EndAt
				r.log.Info().Str("game_id", gid).Int64("end_at", g.EndAt).Msg("game adopted")
			}
			if g.EndAt == 0 {
				r.finalize(ctx, gid, "no_end_at")
			} else if now >= g.EndAt {
				r.finalize(ctx, gid, "elapsed")
			}
		}
	}

	// Games another actor detached from the record just stop being ours.
	for gid := range r.games {
		if !assigned[gid] {
			delete(r.games, gid)
		}
	}

	if _, err := r.st.RefreshSessionAvailability(ctx, r.opts.SessionID); err != nil {
		r.log.Error().Err(err).Msg("availability refresh failed")
	}
	r.publishGauges()
}

// dropGame detaches a dead entry from the session record. The removal
// frees the slot only if the entry was still present, so a concurrent
// finalizer cannot double-free it.
func (r *Runner) dropGame(ctx context.Context, gid, why string) {
	removed, err := r.st.RemoveSessionGame(ctx, r.opts.SessionID, gid)
	if err != nil {
		r.log.Error().Err(err).Str("game_id", gid).Msg("game detach failed")
		return
	}
	delete(r.games, gid)
	if removed {
		r.log.Info().Str("game_id", gid).Str("reason", why).Msg("game detached")
	}
}

// finalize ends one game exactly once across all finalizers. The fence
// is a per-game lease that is deliberately never released: it expires.
// Whoever holds it re-checks the game state before writing.
func (r *Runner) finalize(ctx context.Context, gid, reason string) {
	_, ok, err := r.st.AcquireLock(ctx, store.FinishLockKey(gid), r.opts.FinishLockTTL)
	if err != nil {
		metrics.RecordLockAttempt("finish", metrics.LockOutcomeError)
		r.log.Error().Err(err).Str("game_id", gid).Msg("finish lock attempt failed")
		return
	}
	if !ok {
		metrics.RecordLockAttempt("finish", metrics.LockOutcomeHeld)
		return
	}
	metrics.RecordLockAttempt("finish", metrics.LockOutcomeAcquired)

	g, err := r.st.Game(ctx, gid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.dropGame(ctx, gid, "vanished before finish")
			return
		}
		r.log.Error().Err(err).Str("game_id", gid).Msg("game re-read failed")
		return
	}
	if g.State != store.GameRunning {
		r.dropGame(ctx, gid, "finished elsewhere")
		return
	}

	players, err := r.st.GamePlayers(ctx, gid)
	if err != nil {
		r.log.Error().Err(err).Str("game_id", gid).Msg("game players read failed")
		return
	}
	if err := r.st.FinishGame(ctx, gid, players); err != nil {
		r.log.Error().Err(err).Str("game_id", gid).Msg("finish write failed")
		return
	}
	if _, err := r.st.RemoveSessionGame(ctx, r.opts.SessionID, gid); err != nil {
		r.log.Error().Err(err).Str("game_id", gid).Msg("slot release failed")
	}
	delete(r.games, gid)

	ev := store.Event{GameID: gid, SessionID: r.opts.SessionID, PlayerIDs: players}
	if err := r.st.PublishMatchEnded(ctx, ev); err != nil {
		r.log.Warn().Err(err).Str("game_id", gid).Msg("match_ended publish failed")
	} else {
		metrics.EventsPublished.WithLabelValues(string(store.EventMatchEnded)).Inc()
	}

	metrics.GamesFinished.WithLabelValues(reason).Inc()
	r.log.Info().
		Str("game_id", gid).
		Str("reason", reason).
		Int("players", len(players)).
		Msg("game finished")
}

func (r *Runner) publishGauges() {
	metrics.GamesActive.Set(float64(len(r.games)))
	free := r.opts.MaxSlots - int64(len(r.games))
	if free < 0 {
		free = 0
	}
	metrics.SlotsAvailable.Set(float64(free))
}
