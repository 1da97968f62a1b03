package sso

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
)

// DefaultLockTTL bounds how long a crashed sync can hold the Redis lock.
const DefaultLockTTL = 30 * time.Minute

// ErrSyncRunning is returned when another sync holds the lock.
var ErrSyncRunning = apperr.Conflict("sync already running")

// RunLock serializes reconciliation runs.
type RunLock interface {
	// TryAcquire takes the lock without waiting. It fails with
	// ErrSyncRunning when the lock is held.
	TryAcquire(ctx context.Context) (release func(), err error)
	// Held reports whether a run currently holds the lock.
	Held(ctx context.Context) (bool, error)
}

// LocalRunLock serializes runs within one process.
type LocalRunLock struct {
	mu   sync.Mutex
	held atomic.Bool
}

// NewLocalRunLock creates an in-process lock.
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{}
}

func (l *LocalRunLock) TryAcquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrSyncRunning
	}
	l.held.Store(true)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.held.Store(false)
			l.mu.Unlock()
		})
	}, nil
}

func (l *LocalRunLock) Held(ctx context.Context) (bool, error) {
	return l.held.Load(), nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another run is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock serializes runs across processes.
type RedisRunLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisRunLock creates a lock stored under key.
func NewRedisRunLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisRunLock {
	if key == "" {
		key = "tenantgate:sso:sync:lock"
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisRunLock{client: client, key: key, ttl: ttl}
}

func (l *RedisRunLock) TryAcquire(ctx context.Context) (func(), error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token := hex.EncodeToString(b)

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncRunning
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.client, []string{l.key}, token).Err()
		})
	}, nil
}

func (l *RedisRunLock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read sync lock: %w", err)
	}
	return n > 0, nil
}
