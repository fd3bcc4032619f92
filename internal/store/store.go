// Package store is the coordination layer shared by every role. It wraps
// a single Redis-compatible instance and exposes the handful of atomic
// operations the protocol is built on: player records with TTL, the
// FIFO ready queue, the session availability index, game write groups,
// leases, and the two event topics.
//
// Multi-key read-modify-write steps (slot accounting, game_ids edits)
// run as Lua scripts so concurrent matchmaker and runner writes cannot
// interleave; plain write groups use MULTI/EXEC pipelines.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors returned by store operations.
var (
	// ErrNoCapacity means no session currently advertises a free slot.
	ErrNoCapacity = errors.New("store: no session capacity")
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Options configures the connection and the record lifetimes the store
// applies on writes.
type Options struct {
	Addr     string
	Password string
	DB       int

	// PlayerTTL bounds how long a player record outlives its last write.
	PlayerTTL time.Duration
}

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	rdb       *redis.Client
	playerTTL time.Duration
}

// New dials the coordination store and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Addr, err)
	}

	ttl := opts.PlayerTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{rdb: rdb, playerTTL: ttl}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
