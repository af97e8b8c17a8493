// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNilClient is returned when a redis store is created without a client.
var ErrNilClient = errors.New("cache: nil redis client")

// RedisConfig holds the redis store configuration.
type RedisConfig struct {
	Client redis.UniversalClient
	// Prefix namespaces keys, so several proxies can share one server.
	Prefix string
	// CloseClient makes Close close Client. Set it only when the store owns
	// the client.
	CloseClient bool
}

// RedisStore is a Store shared between proxy instances through redis.
type RedisStore struct {
	rdb         redis.UniversalClient
	prefix      string
	closeClient bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a redis backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// Close closes the client if the store owns it. Repeated calls are no-ops.
func (s *RedisStore) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
