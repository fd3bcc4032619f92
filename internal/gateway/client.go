package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// client is one player connection. The read pump owns playerID and
// identified; everything else crossing goroutines is atomic or
// channel-based.
type client struct {
	id        int64
	conn      net.Conn
	send      chan []byte
	closeOnce sync.Once

	playerID    string
	identified  int32
	timedOut    int32
	writeFailed int32
	helloTimer  *time.Timer

	limiter     *rate.Limiter
	connectedAt time.Time
}

// enqueue offers a frame to the write pump without blocking. A full
// buffer means the client is not draining; the frame is dropped and the
// caller decides whether that matters.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// registry maps player IDs to their local connection for event
// forwarding. A player reconnecting displaces the previous binding; the
// displaced connection stays open but no longer receives pushes.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*client
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*client)}
}

// bind installs c as the connection for playerID and returns the
// binding it displaced, if any.
func (r *registry) bind(playerID string, c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[playerID]
	r.conns[playerID] = c
	if prev == c {
		return nil
	}
	return prev
}

// release removes the binding only if c still owns it, so a stale
// connection closing cannot unbind its replacement.
func (r *registry) release(playerID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[playerID] == c {
		delete(r.conns, playerID)
	}
}

func (r *registry) lookup(playerID string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[playerID]
	return c, ok
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// identifiedNow marks the handshake complete and cancels the pending
// HELLO deadline.
func (c *client) identifiedNow(playerID string) {
	c.playerID = playerID
	atomic.StoreInt32(&c.identified, 1)
	if c.helloTimer != nil {
		c.helloTimer.Stop()
	}
}

func (c *client) isIdentified() bool {
	return atomic.LoadInt32(&c.identified) == 1
}
