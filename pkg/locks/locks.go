// Package locks provides named distributed locks for maintenance tasks so
// only one process runs a sweep at a time. Backends in preference order:
// Redis/Valkey (SET NX PX), then a SQL expiry-row table.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires and releases named locks. Acquire returns a holder token;
// Release only frees the lock when the token still owns it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// SQLLockStore is the lock surface of the SQL metadata clients.
type SQLLockStore interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// RedisLocker implements Locker on a Redis/Valkey server.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. Keys are namespaced under
// prefix (defaults to "om").
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "om"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + ":lock:" + name
}

// Acquire takes the lock with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// releaseScript deletes the key only when the caller's token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Release frees the lock when token still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("locks: release %s: %w", key, err)
	}
	return n > 0, nil
}

// SQLLocker implements Locker on the metadata store's expiry-row table.
type SQLLocker struct {
	store SQLLockStore
}

// NewSQLLocker creates a SQL-backed locker.
func NewSQLLocker(store SQLLockStore) *SQLLocker {
	return &SQLLocker{store: store}
}

// Acquire takes the lock when it is free or expired.
func (l *SQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.store.AcquireLock(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock when token still owns it.
func (l *SQLLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return l.store.ReleaseLock(ctx, key, token)
}

// WithLock runs fn while holding the named lock. When the lock is already
// held elsewhere, fn is skipped and held is false.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (held bool, err error) {
	token, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if _, relErr := l.Release(ctx, key, token); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn(ctx)
}
