// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// redisScanCount is the per-iteration hint passed to SCAN.
const redisScanCount = 256

// RedisConfig holds connection configuration for the Redis KV adapter.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, e.g. "authrim:{tenant}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisKV implements KV on a Redis backend, enabling horizontal scaling of
// the actor stores across processes.
type RedisKV struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(ctx context.Context, cfg RedisConfig) (*RedisKV, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisKV{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisKVWithClient wraps a pre-configured client. Used by tests with
// miniredis.
func NewRedisKVWithClient(client redis.UniversalClient, keyPrefix string) *RedisKV {
	return &RedisKV{client: client, keyPrefix: keyPrefix}
}

// Get implements KV.
func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return value, true, nil
}

// Put implements KV.
func (s *RedisKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete implements KV.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// List implements KV using SCAN. The cursor is the numeric SCAN cursor.
func (s *RedisKV) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	var start uint64
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &start); err != nil {
			return nil, "", fmt.Errorf("invalid list cursor: %w", err)
		}
	}

	count := int64(limit)
	if count <= 0 {
		count = redisScanCount
	}

	keys, next, err := s.client.Scan(ctx, start, s.keyPrefix+prefix+"*", count).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis scan failed: %w", err)
	}

	stripped := make([]string, 0, len(keys))
	for _, key := range keys {
		stripped = append(stripped, key[len(s.keyPrefix):])
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = fmt.Sprintf("%d", next)
	}
	return stripped, nextCursor, nil
}

// Close implements KV.
func (s *RedisKV) Close() error {
	return s.client.Close()
}
