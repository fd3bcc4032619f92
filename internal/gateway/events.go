package gateway

import (
	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/protocol"
	"github.com/FishoutG/queue-sim/internal/store"
)

// forwardEvents subscribes to the match topics and fans each event out
// to locally connected members. Called from Start so a subscribe
// failure aborts startup instead of silently running a deaf gateway.
func (s *Server) forwardEvents() error {
	events, err := s.st.SubscribeEvents(s.ctx, s.log)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.deliverEvent(ev)
			}
		}
	}()
	return nil
}

// deliverEvent pushes an event's frame pair to every member bound on
// this gateway. Members connected elsewhere are another gateway's
// responsibility; members with no connection anywhere recover their
// state on the next HELLO.
func (s *Server) deliverEvent(ev store.Event) {
	var notice protocol.ServerMessage
	var state protocol.ServerMessage
	switch ev.Kind {
	case store.EventMatchFound:
		notice = protocol.MatchFound(ev.GameID, ev.SessionID)
		state = protocol.State(store.StateInGame)
	case store.EventMatchEnded:
		notice = protocol.MatchEnded(ev.GameID, ev.SessionID)
		state = protocol.State(store.StateLobby)
	default:
		return
	}

	local := 0
	for _, pid := range ev.PlayerIDs {
		c, ok := s.registry.lookup(pid)
		if !ok {
			continue
		}
		local++
		s.pool.submit(func() {
			s.push(c, notice)
			s.push(c, state)
		})
	}
	if local > 0 {
		metrics.EventsDelivered.WithLabelValues(string(ev.Kind)).Add(float64(local))
	}

	s.log.Debug().
		Str("kind", string(ev.Kind)).
		Str("game_id", ev.GameID).
		Int("members", len(ev.PlayerIDs)).
		Int("local", local).
		Msg("event fan-out")
}
