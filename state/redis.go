package state

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements StateStore on Redis strings.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	closed  atomic.Bool
}

// NewRedisStore wraps an existing client, typically the bus's. Closing the
// store does not close the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, timeout: 5 * time.Second}
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// GetKeyValue retrieves the value. Redis keeps no revision or
// modification time, so those fields are zero.
func (s *RedisStore) GetKeyValue(key string) (*KeyValue, error) {
	val, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return &KeyValue{Key: key, Value: val}, nil
}

// Put stores a value with optional TTL.
func (s *RedisStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Create stores value with SET NX.
func (s *RedisStore) Create(key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern, using SCAN rather than KEYS.
func (s *RedisStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if MatchPattern(pattern, iter.Val()) {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Close marks the store closed.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}
