package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/FishoutG/queue-sim/internal/ident"
	"github.com/FishoutG/queue-sim/internal/metrics"
	"github.com/FishoutG/queue-sim/internal/protocol"
	"github.com/FishoutG/queue-sim/internal/store"
)

// handleFrame processes one text frame and reports whether the
// connection should close. Store failures are logged and swallowed; the
// player's next action retries the write.
func (s *Server) handleFrame(c *client, data []byte) (closed bool) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		s.log.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("malformed frame")
		s.push(c, protocol.Error(protocol.ErrCodeMalformed, "unparseable frame"))
		return false
	}
	metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

	if !c.isIdentified() && msg.Type != protocol.TypeHello {
		metrics.ProtocolErrors.WithLabelValues("not_identified").Inc()
		s.push(c, protocol.Error(protocol.ErrCodeNotIdentified, "HELLO required first"))
		return false
	}

	switch msg.Type {
	case protocol.TypeHello:
		s.handleHello(c, msg.PlayerID)
	case protocol.TypeReadyUp:
		s.handleReadyUp(c)
	case protocol.TypeUnready:
		s.handleUnready(c)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(c)
	case protocol.TypeLeave:
		s.handleLeave(c)
		return true
	default:
		metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		s.push(c, protocol.Error(protocol.ErrCodeUnknown, "unknown message type"))
	}
	return false
}

// handleHello establishes identity. The record write respects the
// monotone rule (HSETNX), so a player reconnecting mid-game keeps
// IN_GAME and the STATE reply reflects that.
func (s *Server) handleHello(c *client, requested string) {
	if c.isIdentified() {
		// Repeated HELLO is idempotent; the bound identity wins.
		s.push(c, protocol.Welcome(c.playerID))
		s.push(c, protocol.State(s.currentState(c.playerID)))
		return
	}

	playerID := requested
	if playerID == "" {
		playerID = ident.NewPlayerID()
	}

	if err := s.st.EnsurePlayer(s.ctx, playerID); err != nil {
		metrics.RecordStoreError("ensure_player")
		s.log.Error().Err(err).Str("player_id", playerID).Msg("player record write failed")
	}

	c.identifiedNow(playerID)
	if displaced := s.registry.bind(playerID, c); displaced != nil {
		s.log.Info().
			Str("player_id", playerID).
			Int64("old_client_id", displaced.id).
			Int64("new_client_id", c.id).
			Msg("identity rebound to new connection")
	}

	s.push(c, protocol.Welcome(playerID))
	s.push(c, protocol.State(s.currentState(playerID)))

	s.log.Info().
		Int64("client_id", c.id).
		Str("player_id", playerID).
		Bool("minted", requested == "").
		Msg("player identified")
}

// handleReadyUp marks the player READY and appends them to the queue.
// A repeated READY_UP leaves a duplicate entry behind; consumers collapse
// duplicates against the state check, so the write stays unconditional.
func (s *Server) handleReadyUp(c *client) {
	if err := s.st.SetPlayerReady(s.ctx, c.playerID); err != nil {
		metrics.RecordStoreError("set_player_ready")
		s.log.Error().Err(err).Str("player_id", c.playerID).Msg("ready write failed")
		return
	}
	if err := s.st.PushReady(s.ctx, c.playerID); err != nil {
		metrics.RecordStoreError("push_ready")
		s.log.Error().Err(err).Str("player_id", c.playerID).Msg("queue push failed")
		return
	}
	s.push(c, protocol.State(store.StateReady))
}

// handleUnready returns the player to the lobby. The queue entry is left
// behind; consumers collapse it against the state check.
func (s *Server) handleUnready(c *client) {
	if err := s.st.SetPlayerLobby(s.ctx, c.playerID); err != nil {
		metrics.RecordStoreError("set_player_lobby")
		s.log.Error().Err(err).Str("player_id", c.playerID).Msg("unready write failed")
		return
	}
	s.push(c, protocol.State(store.StateLobby))
}

// handleHeartbeat refreshes liveness, re-creating an expired record in
// the lobby.
func (s *Server) handleHeartbeat(c *client) {
	if err := s.st.TouchPlayer(s.ctx, c.playerID); err != nil {
		metrics.RecordStoreError("touch_player")
		s.log.Error().Err(err).Str("player_id", c.playerID).Msg("heartbeat write failed")
	}
}

// handleLeave parks the player in the lobby; the caller closes the
// connection.
func (s *Server) handleLeave(c *client) {
	if err := s.st.SetPlayerLobby(s.ctx, c.playerID); err != nil {
		metrics.RecordStoreError("set_player_lobby")
		s.log.Error().Err(err).Str("player_id", c.playerID).Msg("leave write failed")
	}
}

// currentState reads the player's store state for a STATE reply,
// defaulting to the lobby when the record is missing or unreadable.
func (s *Server) currentState(playerID string) string {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	p, err := s.st.Player(ctx, playerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.RecordStoreError("player_read")
			s.log.Warn().Err(err).Str("player_id", playerID).Msg("state read failed")
		}
		return store.StateLobby
	}
	return p.State
}
