package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// MemoryStore keeps state in process. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]model.RateLimitState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]model.RateLimitState)}
}

func (s *MemoryStore) Load(_ context.Context, tenantID string) (*model.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[tenantID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) Save(_ context.Context, st *model.RateLimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[st.TenantID] = *st
	return nil
}

// RedisStore keeps one JSON document per tenant under prefix+tenantID.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(tenantID string) string {
	return s.prefix + tenantID
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) (*model.RateLimitState, error) {
	raw, err := s.client.Get(ctx, s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var st model.RateLimitState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, st *model.RateLimitState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}
	// No expiry: the previous month's usage decides next month's tier.
	if err := s.client.Set(ctx, s.key(st.TenantID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
