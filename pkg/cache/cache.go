// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache stores upstream CoAP responses for replay to later
// requests with the same cache key.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/absmach/mcoap/pkg/coap"
	"github.com/cespare/xxhash/v2"
)

const (
	DefaultMaxEntries  = 10000
	DefaultMaxBytes    = 16 << 20
	DefaultBufferItems = 64

	// DefaultTimeout bounds one store operation.
	DefaultTimeout = 50 * time.Millisecond
)

// ErrInvalidConfig is returned for a configuration the store rejects.
var ErrInvalidConfig = errors.New("cache: invalid config")

// Config holds response cache configuration. The sizes configure the
// default ristretto store and are ignored when Store is set.
type Config struct {
	// MaxEntries is the expected number of cached responses. It sizes the
	// admission counters.
	MaxEntries int64
	// MaxBytes bounds the total size of cached responses.
	MaxBytes int64
	// BufferItems is the size of ristretto's Get buffers.
	BufferItems int64

	// Store, if set, replaces the default in-process store.
	Store Store

	// Timeout bounds one store operation. If 0, uses DefaultTimeout.
	Timeout time.Duration
}

// entryHeaderLen prefixes every stored response: the store time in unix
// nanoseconds and the Max-Age in seconds, both big endian.
const entryHeaderLen = 12

// Cache is a TTL bound response store keyed by Key.
type Cache struct {
	store   Store
	timeout time.Duration
}

// New creates a response cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Store != nil {
		return &Cache{store: cfg.Store, timeout: cfg.Timeout}, nil
	}

	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.BufferItems == 0 {
		cfg.BufferItems = DefaultBufferItems
	}
	store, err := NewRistrettoStore(RistrettoConfig{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxBytes,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, timeout: cfg.Timeout}, nil
}

func storeKey(key uint64) string {
	return "coap:" + strconv.FormatUint(key, 16)
}

// Cacheable reports whether responses to req may be served from cache.
func Cacheable(req *coap.Message) bool {
	switch req.Code() {
	case coap.GET, coap.FETCH:
		return true
	}
	return false
}

// Key derives the cache key of req from its method, every option except
// the NoCacheKey ones and Observe, and for FETCH the payload. Block2 stays in
// the key so every block of a representation is cached on its own.
func Key(req *coap.Message) uint64 {
	d := xxhash.New()

	var hdr [5]byte
	hdr[0] = byte(req.Code())
	d.Write(hdr[:1])

	it := req.Iter()
	for {
		num, v, ok := it.Next()
		if !ok {
			break
		}
		if num.NoCacheKey() || num == coap.Observe {
			continue
		}
		binary.BigEndian.PutUint16(hdr[1:], uint16(num))
		binary.BigEndian.PutUint16(hdr[3:], uint16(len(v)))
		d.Write(hdr[1:])
		d.Write(v)
	}
	if req.Code() == coap.FETCH {
		d.Write([]byte{coap.PayloadMarker})
		d.Write(req.Payload())
	}
	return d.Sum64()
}

// Set stores resp under key for its Max-Age. Only 2.05 Content responses
// with a non-zero Max-Age are kept. The in-process stores admit entries
// asynchronously and may refuse them.
func (c *Cache) Set(key uint64, resp *coap.Message) (bool, error) {
	if resp.Code() != coap.Content {
		return false, nil
	}
	maxAge := resp.MaxAge()
	if maxAge == 0 {
		return false, nil
	}

	msg := resp.Bytes()
	value := make([]byte, entryHeaderLen+len(msg))
	binary.BigEndian.PutUint64(value, uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(value[8:], maxAge)
	copy(value[entryHeaderLen:], msg)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.store.Set(ctx, storeKey(key), value, int64(len(value)), time.Duration(maxAge)*time.Second)
}

// Replay writes the response cached under key as a reply to req into buf,
// carrying the requester's token and a Max-Age reduced by the time spent
// in cache. It returns false on a miss.
func (c *Cache) Replay(key uint64, req *coap.Message, buf []byte) (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	value, ok, err := c.store.Get(ctx, storeKey(key))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(value) < entryHeaderLen {
		c.store.Del(ctx, storeKey(key))
		return 0, false, nil
	}
	stored := time.Unix(0, int64(binary.BigEndian.Uint64(value)))
	maxAge := binary.BigEndian.Uint32(value[8:])
	age := uint32(time.Since(stored) / time.Second)
	if age >= maxAge {
		return 0, false, nil
	}

	var resp coap.Message
	if err := resp.Parse(value[entryHeaderLen:]); err != nil {
		c.store.Del(ctx, storeKey(key))
		return 0, false, err
	}
	n, err := replay(&resp, req, buf, maxAge-age)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func replay(resp, req *coap.Message, buf []byte, maxAge uint32) (int, error) {
	var b coap.Builder
	ok, err := b.InitReply(req, resp.Code(), buf)
	if !ok || err != nil {
		return 0, err
	}

	written := false
	it := resp.Iter()
	for {
		num, v, ok := it.Next()
		if !ok {
			break
		}
		if !written && num >= coap.MaxAge {
			if err := b.AddUint(coap.MaxAge, maxAge); err != nil {
				return 0, err
			}
			written = true
		}
		if num == coap.MaxAge {
			continue
		}
		if err := b.AddOption(num, v); err != nil {
			return 0, err
		}
	}
	if !written {
		if err := b.AddUint(coap.MaxAge, maxAge); err != nil {
			return 0, err
		}
	}
	return b.SetPayload(resp.Payload())
}

// Del removes the entry under key.
func (c *Cache) Del(key uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.store.Del(ctx, storeKey(key))
}

// Wait blocks until pending writes are applied, for stores that buffer
// writes.
func (c *Cache) Wait() {
	if w, ok := c.store.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// Close releases the store.
func (c *Cache) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.store.Close(ctx)
}
