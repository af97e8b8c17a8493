// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a fixed-capacity pool of upstream slots. Each slot
// owns a message buffer and a lazily dialed backend connection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolExhausted is returned when no slots are available.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

const (
	DefaultSize            = 4
	DefaultBufferSize      = 1280
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultMaxConnLifetime = 30 * time.Minute
	DefaultDialTimeout     = 10 * time.Second
)

// Config holds connection pool configuration.
type Config struct {
	// Size is the number of slots, i.e. the maximum number of concurrently
	// active backend exchanges.
	Size int
	// BufferSize is the size of each slot's message buffer.
	BufferSize int
	// IdleTimeout is the maximum time a connection can be idle before it is
	// redialed.
	IdleTimeout time.Duration
	// MaxConnLifetime is the maximum time a connection can be alive.
	MaxConnLifetime time.Duration
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
}

// DialFunc is a function that creates a new connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Slot is one unit of pool capacity. A slot is used by one goroutine at a
// time, between TryGet or Get and Release.
type Slot struct {
	// ID is stable for the life of the pool.
	ID int
	// Buf is scratch space for the outbound and inbound message.
	Buf []byte

	conn      net.Conn
	createdAt time.Time
	lastUsed  time.Time
	pool      *Pool
}

// Conn returns the slot's backend connection, dialing a new one when there
// is none or the current one is expired.
func (s *Slot) Conn(ctx context.Context) (net.Conn, error) {
	if s.conn != nil && !s.pool.isValid(s) {
		s.Discard()
	}
	if s.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.pool.config.DialTimeout)
		defer cancel()

		conn, err := s.pool.dialFunc(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		s.conn = conn
		s.createdAt = time.Now()
	}
	s.lastUsed = time.Now()
	return s.conn, nil
}

// Discard closes the slot's connection. The next Conn call redials.
func (s *Slot) Discard() {
	if s.conn == nil {
		return
	}
	s.conn.Close()
	s.conn = nil
}

// Release returns the slot to the pool.
func (s *Slot) Release() {
	s.pool.put(s)
}

// Pool is a fixed set of slots. Acquiring never allocates.
type Pool struct {
	mu       sync.Mutex
	free     chan *Slot
	slots    []*Slot
	dialFunc DialFunc
	config   Config
	closed   bool
}

// New creates a new connection pool.
func New(dialFunc DialFunc, config Config) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	p := &Pool{
		free:     make(chan *Slot, config.Size),
		slots:    make([]*Slot, config.Size),
		dialFunc: dialFunc,
		config:   config,
	}
	for i := range p.slots {
		p.slots[i] = &Slot{ID: i, Buf: make([]byte, config.BufferSize), pool: p}
		p.free <- p.slots[i]
	}

	return p
}

// TryGet acquires a free slot without waiting.
func (p *Pool) TryGet() (*Slot, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case s := <-p.free:
		return s, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Get acquires a free slot, waiting until one is released or the context
// is done.
func (p *Pool) Get(ctx context.Context) (*Slot, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case s := <-p.free:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a slot to the pool.
func (p *Pool) put(s *Slot) {
	if p.isClosed() {
		s.Discard()
	}
	p.free <- s
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// isValid checks if a slot's connection may still be used.
func (p *Pool) isValid(s *Slot) bool {
	now := time.Now()
	if p.config.MaxConnLifetime > 0 && now.Sub(s.createdAt) > p.config.MaxConnLifetime {
		return false
	}
	if p.config.IdleTimeout > 0 && now.Sub(s.lastUsed) > p.config.IdleTimeout {
		return false
	}
	return true
}

// Close closes the pool and the connections of all free slots. Slots in
// use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.free:
			s.Discard()
		default:
			return nil
		}
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() (idle, active int) {
	idle = len(p.free)
	return idle, len(p.slots) - idle
}

// BufferSize returns the size of each slot's buffer.
func (p *Pool) BufferSize() int {
	return p.config.BufferSize
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}
