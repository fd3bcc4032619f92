package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// connLimiter rate-limits connection attempts at two levels: per source
// IP, so one reconnect-looping client cannot monopolize the accept path,
// and globally, so a distributed flood cannot either.
type connLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	log         zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type connLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func newConnLimiter(cfg connLimiterConfig, log zerolog.Logger) *connLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	cl := &connLimiter{
		ipLimiters:  make(map[string]*ipLimiterEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		log:         log.With().Str("component", "conn_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// allow reports whether a connection attempt from ip may proceed.
// Global limit is checked first; it needs no map lookup.
func (cl *connLimiter) allow(ip string) bool {
	if !cl.global.Allow() {
		cl.log.Debug().Str("ip", ip).Msg("connection rejected by global rate limit")
		return false
	}
	if !cl.ipLimiter(ip).Allow() {
		cl.log.Debug().Str("ip", ip).Msg("connection rejected by per-ip rate limit")
		return false
	}
	return true
}

func (cl *connLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	if entry, ok := cl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(cl.ipRate), cl.ipBurst),
		lastAccess: time.Now(),
	}
	cl.ipLimiters[ip] = entry
	return entry.limiter
}

func (cl *connLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCleanup:
			return
		}
	}
}

// cleanup evicts IP entries idle past the TTL so the map does not grow
// with churned clients.
func (cl *connLimiter) cleanup() {
	cl.ipMu.Lock()
	defer cl.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range cl.ipLimiters {
		if now.Sub(entry.lastAccess) > cl.ipTTL {
			delete(cl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		cl.log.Debug().
			Int("removed", removed).
			Int("remaining", len(cl.ipLimiters)).
			Msg("evicted idle ip limiters")
	}
}

func (cl *connLimiter) stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
