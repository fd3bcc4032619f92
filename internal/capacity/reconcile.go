package capacity

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/store"
)

// reclaimLeaseTTL bounds the matchmaker lease taken while releasing
// leaked reservations; the work is a few round trips.
const reclaimLeaseTTL = 5 * time.Second

// reconcile repairs drift between the backend's instance list, the
// session records, and the availability index. It returns the session
// list as it stands after cleanup so the policy pass works on repaired
// numbers.
func (p *Provider) reconcile(ctx context.Context, now time.Time, instances []Instance, sessions []store.Session) []store.Session {
	known := make(map[string]bool, len(instances))
	for _, inst := range instances {
		known[inst.ID] = true
	}

	// Records without a backing instance are unplaceable and must go,
	// but an empty instance list is indistinguishable from a backend
	// flake, so it never justifies mass deletion.
	kept := sessions
	if len(instances) == 0 {
		if len(sessions) > 0 {
			p.log.Warn().Int("sessions", len(sessions)).Msg("backend lists no instances, keeping session records")
		}
	} else {
		kept = sessions[:0]
		for _, sess := range sessions {
			if known[sess.ID] {
				kept = append(kept, sess)
				continue
			}
			if err := p.st.DeleteSession(ctx, sess.ID); err != nil {
				p.log.Error().Err(err).Str("session_id", sess.ID).Msg("orphan session delete failed")
				kept = append(kept, sess)
				continue
			}
			metrics.ReconcileCorrections.WithLabelValues("orphan_session").Inc()
			p.log.Info().Str("session_id", sess.ID).Msg("deleted session with no backend instance")
		}
	}

	p.reconcileIndex(ctx, kept)
	p.rebuildStaleRecords(ctx, now, kept)
	p.reclaimLeakedSlots(ctx, now, kept)
	return kept
}

// reconcileIndex drops availability entries with no live record and
// re-syncs entries whose score drifted from the record.
func (p *Provider) reconcileIndex(ctx context.Context, sessions []store.Session) {
	idx, err := p.st.AvailabilityIndex(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("availability index read failed")
		return
	}
	records := make(map[string]store.Session, len(sessions))
	for _, sess := range sessions {
		records[sess.ID] = sess
	}

	for member := range idx {
		if _, ok := records[member]; ok {
			continue
		}
		if err := p.st.DropAvailability(ctx, member); err != nil {
			p.log.Error().Err(err).Str("member", member).Msg("index entry drop failed")
			continue
		}
		metrics.ReconcileCorrections.WithLabelValues("ghost_index_entry").Inc()
		p.log.Info().Str("member", member).Msg("dropped index entry with no session record")
	}

	for _, sess := range sessions {
		want := sess.MaxSlots - sess.ActiveGames
		if want < 0 {
			want = 0
		}
		score, listed := idx[sess.ID]
		if (want > 0) == listed && (!listed || score == want) {
			continue
		}
		if _, err := p.st.RefreshSessionAvailability(ctx, sess.ID); err != nil {
			p.log.Error().Err(err).Str("session_id", sess.ID).Msg("index refresh failed")
			continue
		}
		metrics.ReconcileCorrections.WithLabelValues("index_score").Inc()
		p.log.Info().
			Str("session_id", sess.ID).
			Int64("score", score).
			Int64("want", want).
			Msg("re-synced availability entry")
	}
}

// rebuildStaleRecords recomputes session accounting from game truth for
// records whose runner stopped refreshing them. A crashed matchmaker or
// runner can leave active_games out of step with the RUNNING games that
// actually point at the session; this is where that debt is settled.
func (p *Provider) rebuildStaleRecords(ctx context.Context, now time.Time, sessions []store.Session) {
	cutoff := now.Add(-p.opts.CorrectAfter).UnixMilli()
	var stale []int
	for i, sess := range sessions {
		if sess.UpdatedAt < cutoff {
			stale = append(stale, i)
		}
	}
	if len(stale) == 0 {
		return
	}

	running := make(map[string][]string)
	err := p.st.ScanGames(ctx, func(g store.Game) error {
		if g.State == store.GameRunning {
			running[g.SessionID] = append(running[g.SessionID], g.ID)
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Msg("game scan failed")
		return
	}

	for _, i := range stale {
		sess := sessions[i]
		truth := running[sess.ID]
		sort.Strings(truth)
		if int64(len(truth)) == sess.ActiveGames && sameIDSet(truth, sess.GameIDs) {
			continue
		}
		corrected := store.Session{
			ID:          sess.ID,
			MaxSlots:    sess.MaxSlots,
			ActiveGames: int64(len(truth)),
			GameIDs:     truth,
		}
		if err := p.st.WriteSessionState(ctx, corrected); err != nil {
			p.log.Error().Err(err).Str("session_id", sess.ID).Msg("record rebuild failed")
			continue
		}
		avail := corrected.MaxSlots - corrected.ActiveGames
		if avail < 0 {
			avail = 0
		}
		corrected.AvailableSlots = avail
		sessions[i] = corrected
		metrics.ReconcileCorrections.WithLabelValues("record_rebuild").Inc()
		p.log.Info().
			Str("session_id", sess.ID).
			Int64("recorded_active", sess.ActiveGames).
			Int("counted_running", len(truth)).
			Msg("rebuilt session record from game truth")
	}
}

// reclaimLeakedSlots returns slots reserved by a matchmaker that died
// before materializing the game. A healthy runner keeps such a record
// fresh, so the stale rebuild never sees the drift: active_games stays
// ahead of the game ledger for good. Reservations only happen under the
// matchmaker lease, and finalization moves active_games and game_ids in
// one scripted step, so a surplus observed while holding the lease is a
// leak, not an in-flight match.
func (p *Provider) reclaimLeakedSlots(ctx context.Context, now time.Time, sessions []store.Session) {
	cutoff := now.Add(-p.opts.CorrectAfter).UnixMilli()
	var suspects []int
	for i, sess := range sessions {
		// Stale records belong to the rebuild pass.
		if sess.UpdatedAt < cutoff {
			continue
		}
		if sess.ActiveGames > int64(len(sess.GameIDs)) {
			suspects = append(suspects, i)
		}
	}
	if len(suspects) == 0 {
		return
	}

	token, ok, err := p.st.AcquireLock(ctx, store.MatchmakerLockKey(), reclaimLeaseTTL)
	if err != nil {
		metrics.RecordLockAttempt("reclaim", metrics.LockOutcomeError)
		p.log.Error().Err(err).Msg("reclaim lock attempt failed")
		return
	}
	if !ok {
		// A live matchmaker round explains the surplus; check again
		// next tick.
		metrics.RecordLockAttempt("reclaim", metrics.LockOutcomeHeld)
		return
	}
	metrics.RecordLockAttempt("reclaim", metrics.LockOutcomeAcquired)
	defer func() {
		if err := p.st.ReleaseLock(ctx, store.MatchmakerLockKey(), token); err != nil {
			// The lease TTL will clear it.
			p.log.Warn().Err(err).Msg("reclaim lock release failed")
		}
	}()

	running := make(map[string][]string)
	err = p.st.ScanGames(ctx, func(g store.Game) error {
		if g.State == store.GameRunning {
			running[g.SessionID] = append(running[g.SessionID], g.ID)
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Msg("game scan failed")
		return
	}

	for _, i := range suspects {
		sess, err := p.st.Session(ctx, sessions[i].ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.log.Error().Err(err).Str("session_id", sessions[i].ID).Msg("session re-read failed")
			}
			continue
		}
		ledger := make(map[string]bool, len(sess.GameIDs))
		for _, gid := range sess.GameIDs {
			ledger[gid] = true
		}
		// A RUNNING game missing from the ledger still owns its slot:
		// that matchmaker got past the game write but not the append.
		var unlisted int64
		for _, gid := range running[sess.ID] {
			if !ledger[gid] {
				unlisted++
			}
		}
		excess := sess.ActiveGames - int64(len(sess.GameIDs)) - unlisted
		var released int64
		for n := int64(0); n < excess; n++ {
			if err := p.st.ReleaseSlot(ctx, sess.ID); err != nil {
				p.log.Error().Err(err).Str("session_id", sess.ID).Msg("leaked slot release failed")
				break
			}
			released++
			metrics.ReconcileCorrections.WithLabelValues("leaked_slot").Inc()
		}
		if released == 0 {
			continue
		}
		sess.ActiveGames -= released
		avail := sess.MaxSlots - sess.ActiveGames
		if avail < 0 {
			avail = 0
		}
		sess.AvailableSlots = avail
		sessions[i] = sess
		p.log.Info().
			Str("session_id", sess.ID).
			Int64("released", released).
			Msg("released reservations that never became games")
	}
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
