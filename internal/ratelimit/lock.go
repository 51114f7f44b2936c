package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var (
	errLockKeyEmpty = errors.New("lock key is empty")
	errLockTTL      = errors.New("lock ttl must be positive")
	// ErrLockExpired reports a release after the lease ran out.
	ErrLockExpired = errors.New("lock expired before release")
)

// leaseLocker hands out short redis leases identified by a random token.
type leaseLocker struct {
	client *redis.Client
}

func (l leaseLocker) acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, errLockTTL
	}

	token := uuid.NewString()
	err := l.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return token, true, nil
}

func (l leaseLocker) release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockExpired
	}
	return nil
}
