package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// EventKind distinguishes the two pub/sub topics.
type EventKind string

const (
	EventMatchFound EventKind = "match_found"
	EventMatchEnded EventKind = "match_ended"
)

// Event is the payload published on a match boundary. Kind is derived
// from the topic, not carried on the wire.
type Event struct {
	Kind      EventKind `json:"-"`
	GameID    string    `json:"game_id"`
	SessionID string    `json:"session_id"`
	PlayerIDs []string  `json:"player_ids"`
}

// PublishMatchFound announces a materialized game. Delivery is fire and
// forget; gateways that miss it simply have no local member to notify.
func (s *Store) PublishMatchFound(ctx context.Context, ev Event) error {
	return s.publish(ctx, topicMatchFound, ev)
}

// PublishMatchEnded announces a finalized game.
func (s *Store) PublishMatchEnded(ctx context.Context, ev Event) error {
	return s.publish(ctx, topicMatchEnded, ev)
}

func (s *Store) publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeEvents listens on both match topics and delivers decoded
// events until ctx is canceled. Undecodable payloads are logged and
// skipped. The returned channel is closed on exit.
func (s *Store) SubscribeEvents(ctx context.Context, log zerolog.Logger) (<-chan Event, error) {
	sub := s.rdb.Subscribe(ctx, topicMatchFound, topicMatchEnded)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("topic", msg.Channel).Msg("dropping undecodable event")
					continue
				}
				switch msg.Channel {
				case topicMatchFound:
					ev.Kind = EventMatchFound
				case topicMatchEnded:
					ev.Kind = EventMatchEnded
				default:
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
