package gateway

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writeBatch caps how many queued frames one wakeup flushes before
// giving the ping ticker a chance to run.
const writeBatch = 16

func writeText(conn net.Conn, frame []byte) error {
	return wsutil.WriteServerMessage(conn, ws.OpText, frame)
}

// writePump owns all writes to the connection: queued frames, drained
// in small batches, plus keepalive pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeText(c.conn, frame); err != nil {
				atomic.StoreInt32(&c.writeFailed, 1)
				s.log.Debug().
					Int64("client_id", c.id).
					Err(err).
					Msg("write failed")
				return
			}

			// Drain whatever else is already queued before sleeping
			// again; event fan-out tends to arrive in pairs.
		drain:
			for i := 0; i < writeBatch; i++ {
				select {
				case frame, ok := <-c.send:
					if !ok {
						return
					}
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := writeText(c.conn, frame); err != nil {
						atomic.StoreInt32(&c.writeFailed, 1)
						s.log.Debug().
							Int64("client_id", c.id).
							Err(err).
							Msg("write failed")
						return
					}
				default:
					break drain
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.log.Debug().
					Int64("client_id", c.id).
					Err(err).
					Msg("ping failed")
				return
			}
		}
	}
}
