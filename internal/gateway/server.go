// Package gateway terminates player connections and translates the wire
// protocol into coordination store writes. It never talks to the other
// roles directly; match placement and release reach players through the
// store's event topics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/protocol"
	"github.com/FishoutG/queue-sim/internal/store"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Connections with no readable frame inside this window are
	// considered dead. Heartbeats and protocol pings both reset it.
	pongWait = 60 * time.Second

	// Ping cadence. Must be below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outgoing frames buffered per connection before pushes are dropped.
	sendBuffer = 64
)

// Store is the slice of the coordination store the gateway needs.
type Store interface {
	EnsurePlayer(ctx context.Context, id string) error
	TouchPlayer(ctx context.Context, id string) error
	SetPlayerReady(ctx context.Context, id string) error
	SetPlayerLobby(ctx context.Context, id string) error
	DemoteIdlePlayer(ctx context.Context, id string) error
	Player(ctx context.Context, id string) (store.Player, error)
	PushReady(ctx context.Context, id string) error
	SubscribeEvents(ctx context.Context, log zerolog.Logger) (<-chan store.Event, error)
}

// Options configures the gateway listener and its admission limits.
type Options struct {
	Addr         string
	HelloTimeout time.Duration

	MaxConnections     int
	CPURejectThreshold float64

	IPBurst     int
	IPRate      float64
	GlobalBurst int
	GlobalRate  float64

	// Per-connection message rate.
	MsgBurst int
	MsgRate  float64

	Workers     int
	WorkerQueue int
}

// Server owns the listener, the per-connection pumps, and the event
// forwarding loop.
type Server struct {
	opts Options
	st   Store
	log  zerolog.Logger

	listener net.Listener
	registry *registry
	guard    *guard
	limiter  *connLimiter
	pool     *workerPool

	clients      sync.Map // *client -> struct{}
	connSem      chan struct{}
	clientSeq    int64
	currentConns int64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32

	startedAt time.Time
}

// New builds a gateway server. The store must already be connected.
func New(st Store, opts Options, log zerolog.Logger) (*Server, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("gateway: listen address required")
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 10 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0) * 2
	}
	if opts.WorkerQueue <= 0 {
		opts.WorkerQueue = opts.Workers * 100
	}
	if opts.MsgBurst <= 0 {
		opts.MsgBurst = 20
	}
	if opts.MsgRate <= 0 {
		opts.MsgRate = 5.0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		st:        st,
		log:       log,
		registry:  newRegistry(),
		pool:      newWorkerPool(opts.Workers, opts.WorkerQueue, log),
		connSem:   make(chan struct{}, opts.MaxConnections),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	s.guard = newGuard(opts.MaxConnections, opts.CPURejectThreshold, &s.currentConns, log)
	s.limiter = newConnLimiter(connLimiterConfig{
		IPBurst:     opts.IPBurst,
		IPRate:      opts.IPRate,
		GlobalBurst: opts.GlobalBurst,
		GlobalRate:  opts.GlobalRate,
	}, log)

	log.Info().
		Str("addr", opts.Addr).
		Int("max_connections", opts.MaxConnections).
		Dur("hello_timeout", opts.HelloTimeout).
		Int("workers", opts.Workers).
		Int("worker_queue", opts.WorkerQueue).
		Msg("gateway initialized")

	return s, nil
}

// Start begins listening and subscribes to the event topics. It returns
// once the accept loop is running.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = listener

	s.pool.start(s.ctx)

	if err := s.forwardEvents(); err != nil {
		listener.Close()
		return fmt.Errorf("gateway: event subscribe: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("accept loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.guard.monitor(s.ctx, 5*time.Second)
	}()

	s.log.Info().Str("addr", s.opts.Addr).Msg("gateway listening")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.limiter.allow(ip) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.guard.admit(); !ok {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.log.Debug().
			Str("reason", reason).
			Int64("current_connections", atomic.LoadInt64(&s.currentConns)).
			Msg("connection rejected")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connSem <- struct{}{}:
	default:
		metrics.ConnectionsRejected.WithLabelValues("at_capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connSem
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := &client{
		id:          atomic.AddInt64(&s.clientSeq, 1),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		limiter:     rate.NewLimiter(rate.Limit(s.opts.MsgRate), s.opts.MsgBurst),
		connectedAt: time.Now(),
	}
	c.helloTimer = time.AfterFunc(s.opts.HelloTimeout, func() { s.helloDeadline(c) })

	s.clients.Store(c, struct{}{})
	atomic.AddInt64(&s.currentConns, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.currentConns)))

	go s.writePump(c)
	go s.readPump(c)
}

// helloDeadline fires when a connection has not identified in time. The
// ERROR frame is written directly since the connection is about to die
// anyway.
func (s *Server) helloDeadline(c *client) {
	if c.isIdentified() {
		return
	}
	atomic.StoreInt32(&c.timedOut, 1)
	metrics.ProtocolErrors.WithLabelValues("hello_timeout").Inc()

	frame, err := protocol.Encode(protocol.Error(protocol.ErrCodeHelloTimeout, "no HELLO within deadline"))
	if err == nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		writeText(c.conn, frame)
	}
	c.close()
}

// disconnect tears a connection down exactly once per pump exit and
// settles the player's store state.
func (s *Server) disconnect(c *client, reason string) {
	duration := time.Since(c.connectedAt)
	metrics.Disconnects.WithLabelValues(reason).Inc()

	if c.helloTimer != nil {
		c.helloTimer.Stop()
	}
	c.close()
	s.clients.Delete(c)

	if c.playerID != "" {
		s.registry.release(c.playerID, c)

		// Demote-on-disconnect is monotone: READY and IN_GAME records
		// are left for the reaper and the runner to settle.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.st.DemoteIdlePlayer(ctx, c.playerID); err != nil {
			metrics.RecordStoreError("demote_idle_player")
			s.log.Warn().Err(err).Str("player_id", c.playerID).Msg("disconnect demote failed")
		}
	}

	atomic.AddInt64(&s.currentConns, -1)
	metrics.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.currentConns)))
	<-s.connSem

	s.log.Info().
		Int64("client_id", c.id).
		Str("player_id", c.playerID).
		Str("reason", reason).
		Dur("connection_duration", duration).
		Msg("client disconnected")
}

// push encodes a frame and offers it to the client's write pump.
func (s *Server) push(c *client, msg protocol.ServerMessage) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", msg.Type).Msg("frame encode failed")
		return
	}
	if c.enqueue(frame) {
		metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		return
	}
	s.log.Warn().
		Int64("client_id", c.id).
		Str("type", msg.Type).
		Msg("send buffer full, frame dropped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	current := atomic.LoadInt64(&s.currentConns)
	capacityPct := float64(current) / float64(s.opts.MaxConnections) * 100

	status := "healthy"
	code := http.StatusOK
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "draining"
		code = http.StatusServiceUnavailable
	} else if capacityPct >= 90 {
		status = "degraded"
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current":    current,
				"max":        s.opts.MaxConnections,
				"percentage": capacityPct,
			},
			"cpu": map[string]any{
				"percentage": s.guard.cpu(),
				"threshold":  s.opts.CPURejectThreshold,
			},
			"identified_players": s.registry.size(),
			"dropped_deliveries": s.pool.droppedTasks(),
		},
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

// Shutdown stops accepting connections, drains the active ones, and
// waits for the pumps and workers to exit.
func (s *Server) Shutdown(grace time.Duration) error {
	s.log.Info().Msg("gateway shutting down")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	drainTimer := time.NewTimer(grace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.log.Warn().
					Int64("remaining_connections", remaining).
					Msg("grace period expired, force closing")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				s.log.Info().Msg("all connections drained")
				break drain
			}
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*client); ok {
			c.close()
		}
		return true
	})

	s.cancel()
	s.limiter.stop()
	s.pool.stop()
	s.wg.Wait()

	s.log.Info().Msg("gateway shutdown complete")
	return nil
}
