// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker guarding an upstream.
//
// Callers either wrap an exchange in Call or split it into Allow before the
// exchange and Record after it, which suits exchanges that complete on
// another goroutine.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultSuccessThreshold = 2
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// before closing. It also bounds the probes in flight while HalfOpen.
	SuccessThreshold int
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	probes          int
	trips           int
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

type transition struct {
	from, to State
	notify   func(from, to State)
}

func (t transition) fire() {
	if t.notify != nil && t.from != t.to {
		t.notify(t.from, t.to)
	}
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultMaxFailures
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = DefaultResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultSuccessThreshold
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes the given function if the circuit breaker allows it.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()

	cb.Record(err)
	return err
}

// Allow reports whether an exchange may start. Every nil return must be
// followed by exactly one Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	t := transition{from: cb.state, to: cb.state, notify: cb.onStateChange}

	var err error
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) < cb.config.ResetTimeout {
			err = ErrCircuitOpen
			break
		}
		cb.setState(StateHalfOpen)
		cb.probes++

	case StateHalfOpen:
		if cb.probes >= cb.config.SuccessThreshold {
			err = ErrCircuitOpen
			break
		}
		cb.probes++
	}
	t.to = cb.state
	cb.mu.Unlock()

	t.fire()
	return err
}

// Record reports the outcome of an exchange admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	t := transition{from: cb.state, notify: cb.onStateChange}
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	t.to = cb.state
	cb.mu.Unlock()

	t.fire()
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// A failed probe reopens the circuit.
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = time.Now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.probes = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.probes = 0
	case StateOpen:
		cb.trips++
		cb.probes = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes. It runs on the
// goroutine causing the change, after the breaker lock is released.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, trips int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.trips
}
