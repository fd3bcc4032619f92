package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PushReady appends a player to the tail of the ready queue.
func (s *Store) PushReady(ctx context.Context, id string) error {
	if err := s.rdb.RPush(ctx, keyQueueReady, id).Err(); err != nil {
		return fmt.Errorf("push ready %s: %w", id, err)
	}
	return nil
}

// PopReady removes up to n entries from the head of the ready queue.
// Entries may be stale; callers validate against the player records.
func (s *Store) PopReady(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.LPopCount(ctx, keyQueueReady, int(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop ready: %w", err)
	}
	return ids, nil
}

// ReturnReady puts unconsumed entries back on the tail of the queue, in
// the order given.
func (s *Store) ReturnReady(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	if err := s.rdb.RPush(ctx, keyQueueReady, vals...).Err(); err != nil {
		return fmt.Errorf("return ready: %w", err)
	}
	return nil
}

// QueueLen reports the current length of the ready queue.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, keyQueueReady).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// QueueSnapshot reads the whole queue without consuming it.
func (s *Store) QueueSnapshot(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, keyQueueReady, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue snapshot: %w", err)
	}
	return ids, nil
}

// RemoveQueued deletes every queue entry for the given player and
// reports how many were removed.
func (s *Store) RemoveQueued(ctx context.Context, id string) (int64, error) {
	n, err := s.rdb.LRem(ctx, keyQueueReady, 0, id).Result()
	if err != nil {
		return 0, fmt.Errorf("remove queued %s: %w", id, err)
	}
	return n, nil
}
