// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Store is a byte store with TTLs backing a Cache. Implementations must be
// safe for concurrent use and Get must return exactly the bytes passed to
// Set. A store may expire entries earlier than asked; Cache checks the
// remaining Max-Age itself.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. It returns false when the store
	// refused the write.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error)

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// RistrettoConfig holds the in-process ristretto store configuration.
type RistrettoConfig struct {
	// NumCounters sizes the admission counters, ideally ten times the
	// expected number of entries.
	NumCounters int64
	// MaxCost bounds the total size of stored values in bytes.
	MaxCost int64
	// BufferItems is the size of ristretto's Get buffers.
	BufferItems int64
}

// RistrettoStore is the default in-process Store.
type RistrettoStore struct {
	c *ristretto.Cache
}

var _ Store = (*RistrettoStore)(nil)

// NewRistrettoStore creates an in-process store.
func NewRistrettoStore(cfg RistrettoConfig) (*RistrettoStore, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, ErrInvalidConfig
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoStore{c: c}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (s *RistrettoStore) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	return s.c.SetWithTTL(key, value, cost, ttl), nil
}

func (s *RistrettoStore) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (s *RistrettoStore) Wait() {
	s.c.Wait()
}

func (s *RistrettoStore) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}
