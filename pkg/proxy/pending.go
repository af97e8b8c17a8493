// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/pool"
	"github.com/google/uuid"
)

// Forward is one admitted request awaiting its upstream reply. It is
// created by the admitting worker and owned by the queue consumer once
// enqueued.
type Forward struct {
	// ID identifies the forward in logs.
	ID string

	// RemoteAddr is the requesting client's address.
	RemoteAddr string

	// Created is the admission time.
	Created time.Time

	key    string
	addr   net.Addr
	sender handler.Sender
	raw    []byte
	path   string
	slot   *pool.Slot

	cacheable bool
	cacheKey  uint64
}

// pendingKey identifies an exchange by client and token.
func pendingKey(remote string, token []byte) string {
	return remote + "|" + string(token)
}

// Registry tracks forwards by (remote, token) between admission and
// completion, so a retransmitted request is not forwarded twice.
type Registry struct {
	forwards map[string]*Forward
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates a pending-forward registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		forwards: make(map[string]*Forward),
		logger:   logger,
	}
}

// GetOrCreate returns the forward registered for (remote, token), or
// registers a new one. The bool is true for a new forward.
func (r *Registry) GetOrCreate(remote string, token []byte) (*Forward, bool) {
	key := pendingKey(remote, token)

	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.forwards[key]; ok {
		return f, false
	}

	f := &Forward{
		ID:         uuid.New().String(),
		RemoteAddr: remote,
		Created:    time.Now(),
		key:        key,
	}
	r.forwards[key] = f

	r.logger.Debug("forward registered",
		slog.String("forward", f.ID),
		slog.String("client", remote))

	return f, true
}

// Remove unregisters f.
func (r *Registry) Remove(f *Forward) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.forwards[f.key]; ok && cur == f {
		delete(r.forwards, f.key)
	}
}

// Count returns the number of pending forwards.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forwards)
}
