// Package reaper clears the wreckage of departed players: queue entries
// whose owner is gone or no longer READY, and player records whose
// heartbeat went silent. It needs no lock; every write it makes is
// idempotent and safe to repeat across replicas.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/store"
)

// Store is the slice of the coordination store the reaper uses.
type Store interface {
	QueueSnapshot(ctx context.Context) ([]string, error)
	PlayerStates(ctx context.Context, ids []string) (map[string]store.Player, error)
	RemoveQueued(ctx context.Context, id string) (int64, error)
	ScanPlayers(ctx context.Context, fn func(store.Player) error) error
	ResetPlayerToLobby(ctx context.Context, id string) error
}

// Options tunes one reaper instance.
type Options struct {
	Period     time.Duration
	StaleAfter time.Duration

	// SkipInGame leaves stale IN_GAME records alone and lets game
	// finalization restore them instead. Off by default: a silent
	// player is treated as gone no matter what the record claims.
	SkipInGame bool
}

// Reaper runs the two hygiene passes.
type Reaper struct {
	st   Store
	opts Options
	log  zerolog.Logger
}

// New returns a runnable reaper.
func New(st Store, opts Options, log zerolog.Logger) *Reaper {
	return &Reaper{st: st, opts: opts, log: log}
}

// Run ticks at the configured period until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().
		Dur("period", r.opts.Period).
		Dur("stale_after", r.opts.StaleAfter).
		Bool("skip_in_game", r.opts.SkipInGame).
		Msg("reaper started")
	ticker := time.NewTicker(r.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs queue hygiene, then player hygiene. Transient store errors
// are logged and the rest of the pass continues; the next tick covers
// whatever was missed.
func (r *Reaper) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-r.opts.StaleAfter).UnixMilli()
	r.sweepQueue(ctx, cutoff)
	r.sweepPlayers(ctx, cutoff)
}

// sweepQueue drops queue entries that no longer represent a live READY
// player. The queue is a hint, so removing aggressively is safe: a
// mistakenly removed player re-enters by readying up again.
func (r *Reaper) sweepQueue(ctx context.Context, cutoff int64) {
	snapshot, err := r.st.QueueSnapshot(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("queue snapshot failed")
		return
	}
	if len(snapshot) == 0 {
		return
	}

	unique := make([]string, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, id := range snapshot {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	records, err := r.st.PlayerStates(ctx, unique)
	if err != nil {
		r.log.Error().Err(err).Msg("queue state read failed")
		return
	}

	for _, id := range unique {
		p, ok := records[id]
		if ok && p.State == store.StateReady && p.HeartbeatAt >= cutoff {
			continue
		}
		n, err := r.st.RemoveQueued(ctx, id)
		if err != nil {
			r.log.Error().Err(err).Str("player_id", id).Msg("queue removal failed")
			continue
		}
		if n > 0 {
			metrics.QueueEntriesDropped.Add(float64(n))
			r.log.Info().
				Str("player_id", id).
				Bool("record_exists", ok).
				Str("state", p.State).
				Int64("removed", n).
				Msg("dropped dead queue entry")
		}
	}
}

// sweepPlayers restores records with silent heartbeats to a clean lobby
// state. Records already idle in the lobby are left for TTL expiry, so
// the reset cannot keep a dead record alive forever.
func (r *Reaper) sweepPlayers(ctx context.Context, cutoff int64) {
	err := r.st.ScanPlayers(ctx, func(p store.Player) error {
		if p.HeartbeatAt >= cutoff {
			return nil
		}
		if p.State == store.StateLobby && p.GameID == "" && p.SessionID == "" {
			return nil
		}
		if r.opts.SkipInGame && p.State == store.StateInGame {
			metrics.PlayersReaped.WithLabelValues("skipped_in_game").Inc()
			return nil
		}
		if _, err := r.st.RemoveQueued(ctx, p.ID); err != nil {
			r.log.Error().Err(err).Str("player_id", p.ID).Msg("stale player dequeue failed")
		}
		if err := r.st.ResetPlayerToLobby(ctx, p.ID); err != nil {
			r.log.Error().Err(err).Str("player_id", p.ID).Msg("stale player reset failed")
			return nil
		}
		metrics.PlayersReaped.WithLabelValues("reset").Inc()
		r.log.Info().
			Str("player_id", p.ID).
			Str("state", p.State).
			Int64("heartbeat_at", p.HeartbeatAt).
			Msg("reset stale player")
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Msg("player scan failed")
	}
}
