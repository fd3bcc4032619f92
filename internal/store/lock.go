package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLockScript deletes the lock only when the caller still owns it,
// so a holder that outlived its TTL cannot clobber the next owner.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock takes a lease on key for ttl. The returned token proves
// ownership to ReleaseLock. ok is false when another holder has it.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock drops the lease if token still owns it. Expired or stolen
// leases are left alone.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseLockScript.Run(ctx, s.rdb, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
