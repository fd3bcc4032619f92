package gateway

import (
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/protocol"
)

// readPump consumes frames from one connection and dispatches them
// serially, so a player's own messages can never race each other.
func (s *Server) readPump(c *client) {
	var reason string
	defer func() {
		if reason == "" {
			switch {
			case atomic.LoadInt32(&c.writeFailed) == 1:
				reason = metrics.DisconnectReasonSlowClient
			case atomic.LoadInt32(&s.shuttingDown) == 1:
				reason = metrics.DisconnectReasonShutdown
			default:
				reason = metrics.DisconnectReasonReadError
			}
		}
		s.disconnect(c, reason)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if atomic.LoadInt32(&c.timedOut) == 1 {
				reason = metrics.DisconnectReasonHelloTimeout
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				metrics.ProtocolErrors.WithLabelValues("rate_limited").Inc()
				s.log.Warn().
					Int64("client_id", c.id).
					Str("player_id", c.playerID).
					Msg("message rate limited, frame dropped")
				// Tell the client why frames are vanishing. Best effort;
				// the drop itself is the protection, not this frame.
				s.push(c, protocol.Error(protocol.ErrCodeRateLimited, "too many messages, slow down"))
				continue
			}
			if closed := s.handleFrame(c, msg); closed {
				reason = metrics.DisconnectReasonClientClose
				return
			}
		case ws.OpPing:
			// gobwas answers pings on read.
		case ws.OpClose:
			reason = metrics.DisconnectReasonClientClose
			return
		}
	}
}
