package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// StatusStore keeps the result of the last reconciliation run.
type StatusStore interface {
	Save(ctx context.Context, result *SyncResult) error
	// Last returns nil when no run has finished yet.
	Last(ctx context.Context) (*SyncResult, error)
}

// MemoryStatusStore keeps the last result in process memory.
type MemoryStatusStore struct {
	mu   sync.RWMutex
	last *SyncResult
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{}
}

func (s *MemoryStatusStore) Save(ctx context.Context, result *SyncResult) error {
	copied := *result
	s.mu.Lock()
	s.last = &copied
	s.mu.Unlock()
	return nil
}

func (s *MemoryStatusStore) Last(ctx context.Context) (*SyncResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, nil
	}
	copied := *s.last
	return &copied, nil
}

// RedisStatusStore shares the last result between the API and the worker.
type RedisStatusStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStatusStore creates a store under key.
func NewRedisStatusStore(client redis.UniversalClient, key string) *RedisStatusStore {
	if key == "" {
		key = "tenantgate:sso:sync:last"
	}
	return &RedisStatusStore{client: client, key: key}
}

func (s *RedisStatusStore) Save(ctx context.Context, result *SyncResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal sync result: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStatusStore) Last(ctx context.Context) (*SyncResult, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var result SyncResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync result: %w", err)
	}
	return &result, nil
}
