// Package capacity sizes the session fleet to demand. One provider
// polls the coordination store for queue pressure and slot utilization,
// asks the backend for the instances that actually exist, reconciles
// the two views, and scales within configured bounds.
package capacity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/FishoutG/queue-sim/internal/ident"
	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/store"
)

// Store is the slice of the coordination store the provider uses.
type Store interface {
	QueueLen(ctx context.Context) (int64, error)
	Sessions(ctx context.Context) ([]store.Session, error)
	AvailabilityIndex(ctx context.Context) (map[string]int64, error)
	DropAvailability(ctx context.Context, sessionID string) error
	RefreshSessionAvailability(ctx context.Context, sessionID string) (int64, error)
	DeleteSession(ctx context.Context, id string) error
	WriteSessionState(ctx context.Context, sess store.Session) error
	Session(ctx context.Context, id string) (store.Session, error)
	ReleaseSlot(ctx context.Context, sessionID string) error
	ScanGames(ctx context.Context, fn func(store.Game) error) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Options tunes the scaling policy.
type Options struct {
	PlayersPerGame  int
	SlotsPerSession int64

	MinSessions int
	MaxSessions int

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpCooldown    time.Duration
	ScaleDownAfter     time.Duration
	ScaleUpBatch       int
	ScaleDownBatch     int

	Poll time.Duration

	// CorrectAfter is how long a session record may go unrefreshed
	// before the reconciler rebuilds it from game truth. Live runners
	// bump updated_at every poll, so only dead runners' records qualify.
	CorrectAfter time.Duration
}

// Provider runs the scaling loop. Not safe for concurrent use.
type Provider struct {
	st      Store
	backend Backend
	opts    Options
	log     zerolog.Logger

	lastScaleUp time.Time
	lowSince    time.Time
}

// New validates the options and returns a runnable provider.
func New(st Store, backend Backend, opts Options, log zerolog.Logger) (*Provider, error) {
	if opts.PlayersPerGame <= 0 {
		return nil, fmt.Errorf("capacity: players per game must be positive, got %d", opts.PlayersPerGame)
	}
	if opts.SlotsPerSession <= 0 {
		return nil, fmt.Errorf("capacity: slots per session must be positive, got %d", opts.SlotsPerSession)
	}
	if opts.MinSessions < 0 || opts.MaxSessions < opts.MinSessions {
		return nil, fmt.Errorf("capacity: bad session bounds [%d, %d]", opts.MinSessions, opts.MaxSessions)
	}
	return &Provider{st: st, backend: backend, opts: opts, log: log}, nil
}

// Run ticks at the configured poll interval until ctx is canceled.
func (p *Provider) Run(ctx context.Context) error {
	p.log.Info().
		Int("min_sessions", p.opts.MinSessions).
		Int("max_sessions", p.opts.MaxSessions).
		Float64("scale_up_threshold", p.opts.ScaleUpThreshold).
		Float64("scale_down_threshold", p.opts.ScaleDownThreshold).
		Msg("capacity provider started")
	ticker := time.NewTicker(p.opts.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("capacity provider stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one reconcile plus policy pass. now is injected so the
// cooldown arithmetic is testable.
func (p *Provider) Tick(ctx context.Context, now time.Time) {
	instances, err := p.backend.List(ctx)
	if err != nil {
		// Without a trustworthy instance list, neither cleanup nor
		// scaling is safe.
		p.log.Error().Err(err).Msg("backend list failed, skipping tick")
		return
	}
	sessions, err := p.st.Sessions(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("session scan failed, skipping tick")
		return
	}
	sessions = p.reconcile(ctx, now, instances, sessions)

	// An empty instance list alongside live records reads as a backend
	// flake; scaling decisions wait for a trustworthy view.
	if len(instances) == 0 && len(sessions) > 0 {
		return
	}

	queued, err := p.st.QueueLen(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("queue length read failed, skipping tick")
		return
	}

	var total, used, avail int64
	for _, sess := range sessions {
		total += sess.MaxSlots
		used += sess.ActiveGames
		avail += sess.AvailableSlots
	}
	count := len(instances)
	desired := p.neededSessions(queued, used)
	metrics.SessionsRunning.Set(float64(count))
	metrics.SessionsDesired.Set(float64(desired))

	if count < p.opts.MinSessions {
		p.scaleUp(ctx, now, instances, sessions, p.opts.MinSessions-count, "bootstrap")
		return
	}

	var util float64
	if total > 0 {
		util = float64(used) / float64(total)
	}
	metrics.UtilizationRatio.Set(util)

	// Starved: enough players for a match but nowhere to put one. The
	// step covers the whole waiting queue; the batch cap only paces
	// utilization-driven growth.
	if queued >= int64(p.opts.PlayersPerGame) && avail == 0 && count < p.opts.MaxSessions {
		p.lowSince = time.Time{}
		p.scaleUp(ctx, now, instances, sessions, desired-count, "starvation")
		return
	}

	if util > p.opts.ScaleUpThreshold {
		p.lowSince = time.Time{}
		if now.Sub(p.lastScaleUp) < p.opts.ScaleUpCooldown {
			return
		}
		delta := desired - count
		if delta > p.opts.ScaleUpBatch {
			delta = p.opts.ScaleUpBatch
		}
		if delta > 0 {
			p.scaleUp(ctx, now, instances, sessions, delta, "utilization")
		}
		return
	}

	if util < p.opts.ScaleDownThreshold && count > p.opts.MinSessions {
		if p.lowSince.IsZero() {
			p.lowSince = now
			return
		}
		if now.Sub(p.lowSince) >= p.opts.ScaleDownAfter {
			p.scaleDown(ctx, instances, sessions)
			p.lowSince = time.Time{}
		}
		return
	}

	p.lowSince = time.Time{}
}

// neededSessions sizes the fleet for current demand: every active game
// plus every full match waiting in the queue needs a slot.
func (p *Provider) neededSessions(queued, used int64) int {
	demandGames := used + ceilDiv(queued, int64(p.opts.PlayersPerGame))
	needed := int(ceilDiv(demandGames, p.opts.SlotsPerSession))
	if needed < p.opts.MinSessions {
		needed = p.opts.MinSessions
	}
	if needed > p.opts.MaxSessions {
		needed = p.opts.MaxSessions
	}
	return needed
}

func (p *Provider) scaleUp(ctx context.Context, now time.Time, instances []Instance, sessions []store.Session, want int, reason string) {
	if room := p.opts.MaxSessions - len(instances); want > room {
		want = room
	}
	if want <= 0 {
		return
	}

	// Mint IDs against everything either view knows so a pending
	// instance is never reissued.
	existing := make([]string, 0, len(instances)+len(sessions))
	for _, inst := range instances {
		existing = append(existing, inst.ID)
	}
	for _, sess := range sessions {
		existing = append(existing, sess.ID)
	}

	created := 0
	for i := 0; i < want; i++ {
		id := ident.NextSessionID(existing)
		existing = append(existing, id)
		if err := p.backend.Create(ctx, id, CreateOptions{MaxSlots: p.opts.SlotsPerSession}); err != nil {
			p.log.Error().Err(err).Str("session_id", id).Msg("instance create failed")
			break
		}
		created++
		metrics.ScaleOperations.WithLabelValues("up").Inc()
		p.log.Info().Str("session_id", id).Str("reason", reason).Msg("scaled up")
	}
	if created > 0 {
		p.lastScaleUp = now
	}
}

// scaleDown retires idle provisioned runners, newest ordinal first,
// never dropping below the configured minimum.
func (p *Provider) scaleDown(ctx context.Context, instances []Instance, sessions []store.Session) {
	byID := make(map[string]bool, len(instances))
	for _, inst := range instances {
		byID[inst.ID] = true
	}

	type candidate struct {
		id      string
		ordinal int
	}
	var idle []candidate
	for _, sess := range sessions {
		if sess.ActiveGames != 0 || !byID[sess.ID] {
			continue
		}
		ord, ok := ident.SessionOrdinal(sess.ID)
		if !ok {
			// Ad hoc runners are not ours to retire.
			continue
		}
		idle = append(idle, candidate{id: sess.ID, ordinal: ord})
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ordinal > idle[j].ordinal })

	limit := p.opts.ScaleDownBatch
	if floor := len(instances) - p.opts.MinSessions; limit > floor {
		limit = floor
	}
	for i := 0; i < len(idle) && i < limit; i++ {
		id := idle[i].id
		if err := p.backend.Destroy(ctx, id); err != nil {
			p.log.Error().Err(err).Str("session_id", id).Msg("instance destroy failed")
			continue
		}
		if err := p.st.DeleteSession(ctx, id); err != nil {
			// The next reconcile removes the orphan record.
			p.log.Warn().Err(err).Str("session_id", id).Msg("session record delete failed")
		}
		metrics.ScaleOperations.WithLabelValues("down").Inc()
		p.log.Info().Str("session_id", id).Msg("scaled down")
	}
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
