// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

// DefaultLifeWindow bounds how long bigcache keeps an entry.
const DefaultLifeWindow = 10 * time.Minute

// BigcacheConfig holds the bigcache store configuration.
type BigcacheConfig struct {
	// LifeWindow is the lifetime of every entry. bigcache has no per-entry
	// TTL, so responses with a longer Max-Age are dropped early.
	LifeWindow time.Duration
	// MaxEntriesInWindow sizes the initial shards. If 0, uses
	// DefaultMaxEntries.
	MaxEntriesInWindow int
	// HardMaxCacheSizeMB bounds memory use; 0 means unlimited.
	HardMaxCacheSizeMB int
}

// BigcacheStore is an in-process Store for large numbers of entries with
// little GC overhead.
type BigcacheStore struct {
	c *bigcache.BigCache
}

var _ Store = (*BigcacheStore)(nil)

// NewBigcacheStore creates a bigcache backed store.
func NewBigcacheStore(cfg BigcacheConfig) (*BigcacheStore, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = DefaultLifeWindow
	}
	conf := bigcache.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.MaxEntriesInWindow <= 0 {
		cfg.MaxEntriesInWindow = DefaultMaxEntries
	}
	conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bigcache.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &BigcacheStore{c: c}, nil
}

func (s *BigcacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *BigcacheStore) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := s.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BigcacheStore) Del(_ context.Context, key string) error {
	if err := s.c.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (s *BigcacheStore) Close(_ context.Context) error {
	return s.c.Close()
}
