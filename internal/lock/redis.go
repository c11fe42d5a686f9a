// Package lock provides a best-effort distributed mutex on redis, used so
// that only one replica replays a sync tag at a time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// ErrLockLost is returned by Extend once the lock expired or changed hands.
var ErrLockLost = errors.New("lock lost")

type RedisLock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// TryLock takes key for ttl. ok is false when someone else holds it.
func TryLock(ctx context.Context, client redis.Cmdable, key string, ttl time.Duration) (*RedisLock, bool, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &RedisLock{client: client, key: key, token: token, ttl: ttl}, true, nil
}

// TTL is the lease each acquisition or extension grants.
func (l *RedisLock) TTL() time.Duration { return l.ttl }

// Extend renews the lease for another TTL if the lock is still ours.
func (l *RedisLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Unlock releases the lock only if it is still ours.
func (l *RedisLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Locker hands out per-name locks under a common prefix.
type Locker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewLocker(client redis.Cmdable, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

func (l *Locker) TryLock(ctx context.Context, name string) (*RedisLock, bool, error) {
	return TryLock(ctx, l.client, l.prefix+name, l.ttl)
}
