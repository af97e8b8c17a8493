// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/coap"
)

// mapStore is a Store without expiry.
type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	m.data[key] = value
	return true, nil
}

func (m *mapStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapStore) Close(context.Context) error { return nil }

func testStore(t *testing.T, s Store, wait func()) {
	t.Helper()
	ctx := context.Background()

	if _, hit, err := s.Get(ctx, "missing"); hit || err != nil {
		t.Errorf("expected clean miss, got %v %v", hit, err)
	}
	ok, err := s.Set(ctx, "k", []byte("value"), 5, time.Minute)
	if !ok || err != nil {
		t.Fatalf("Set failed: %v %v", ok, err)
	}
	wait()
	v, hit, err := s.Get(ctx, "k")
	if !hit || err != nil || !bytes.Equal(v, []byte("value")) {
		t.Errorf("expected hit with value, got %q %v %v", v, hit, err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Errorf("Del failed: %v", err)
	}
	if err := s.Del(ctx, "k"); err != nil {
		t.Errorf("Del of missing key failed: %v", err)
	}
	if _, hit, _ := s.Get(ctx, "k"); hit {
		t.Error("expected miss after Del")
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestRistrettoStore(t *testing.T) {
	s, err := NewRistrettoStore(RistrettoConfig{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("NewRistrettoStore failed: %v", err)
	}
	testStore(t, s, s.Wait)
}

func TestBigcacheStore(t *testing.T) {
	s, err := NewBigcacheStore(BigcacheConfig{LifeWindow: time.Minute, MaxEntriesInWindow: 100})
	if err != nil {
		t.Fatalf("NewBigcacheStore failed: %v", err)
	}
	testStore(t, s, func() {})
}

func TestNewRedisStore_NilClient(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); !errors.Is(err, ErrNilClient) {
		t.Errorf("expected ErrNilClient, got %v", err)
	}
}

func TestCache_BigcacheReplay(t *testing.T) {
	s, err := NewBigcacheStore(BigcacheConfig{})
	if err != nil {
		t.Fatalf("NewBigcacheStore failed: %v", err)
	}
	c, err := New(Config{Store: s})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	req := build(t, coap.Confirmable, coap.GET, []byte{1}, 1, []option{{coap.URIPath, []byte("a")}}, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, []byte{1}, 1, []option{{coap.MaxAge, []byte{10}}}, []byte("v"))
	if ok, err := c.Set(Key(req), resp); !ok || err != nil {
		t.Fatalf("Set failed: %v %v", ok, err)
	}

	n, hit, err := c.Replay(Key(req), req, make([]byte, 64))
	if !hit || err != nil || n == 0 {
		t.Errorf("expected hit, got %d %v %v", n, hit, err)
	}
}

func TestCache_Expired(t *testing.T) {
	s := newMapStore()
	c, err := New(Config{Store: s})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := build(t, coap.Confirmable, coap.GET, nil, 1, nil, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, nil, 1, []option{{coap.MaxAge, []byte{5}}}, []byte("x"))
	if _, err := c.Set(Key(req), resp); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Backdate the entry past its Max-Age, as a store without per-entry
	// TTLs would keep it.
	v := s.data[storeKey(Key(req))]
	binary.BigEndian.PutUint64(v, uint64(time.Now().Add(-10*time.Second).UnixNano()))

	if _, hit, err := c.Replay(Key(req), req, make([]byte, 64)); hit || err != nil {
		t.Errorf("expected expired miss, got %v %v", hit, err)
	}
}

func TestCache_StoreError(t *testing.T) {
	s := newMapStore()
	s.err = errors.New("unreachable")
	c, err := New(Config{Store: s})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	req := build(t, coap.Confirmable, coap.GET, nil, 1, nil, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, nil, 1, nil, []byte("x"))
	if ok, err := c.Set(Key(req), resp); ok || err == nil {
		t.Errorf("expected store error, got %v %v", ok, err)
	}
	if _, hit, err := c.Replay(Key(req), req, make([]byte, 64)); hit || err == nil {
		t.Errorf("expected store error on replay, got %v %v", hit, err)
	}
}
