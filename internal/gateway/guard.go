package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// guard applies admission control to new connections: a hard connection
// cap plus a CPU emergency brake. It samples system CPU in the
// background so the accept path never blocks on measurement.
type guard struct {
	maxConns     int
	cpuThreshold float64
	current      *int64

	cpuPercent atomic.Value // float64
	log        zerolog.Logger
}

func newGuard(maxConns int, cpuThreshold float64, current *int64, log zerolog.Logger) *guard {
	g := &guard{
		maxConns:     maxConns,
		cpuThreshold: cpuThreshold,
		current:      current,
		log:          log.With().Str("component", "guard").Logger(),
	}
	g.cpuPercent.Store(0.0)
	return g
}

// admit reports whether a new connection may be accepted, with a
// rejection reason label when it may not.
func (g *guard) admit() (bool, string) {
	if conns := atomic.LoadInt64(g.current); conns >= int64(g.maxConns) {
		return false, "at_max_connections"
	}
	if pct := g.cpuPercent.Load().(float64); g.cpuThreshold > 0 && pct > g.cpuThreshold {
		return false, "cpu_overload"
	}
	return true, ""
}

func (g *guard) cpu() float64 {
	return g.cpuPercent.Load().(float64)
}

// monitor samples CPU usage until the context is cancelled.
func (g *guard) monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pcts, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(pcts) == 0 {
				if err != nil {
					g.log.Warn().Err(err).Msg("cpu sample failed")
				}
				continue
			}
			g.cpuPercent.Store(pcts[0])
		}
	}
}
