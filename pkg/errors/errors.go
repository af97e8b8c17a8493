// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mcoap.
//
// Every fallible engine operation returns an error that wraps exactly one of
// the kinds below, so callers can pick a recovery policy with errors.Is
// without knowing the concrete failure.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrMalformed indicates an invalid header, option header or payload
	// marker placement. Such datagrams are dropped without a reply.
	ErrMalformed = errors.New("malformed message")

	// ErrCapacity indicates that a fixed option table or an output buffer
	// is too small.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrOptionAbsent indicates that a requested option is not present.
	ErrOptionAbsent = errors.New("option absent")

	// ErrInvalidInput indicates an option value or argument that cannot be
	// interpreted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates that a client exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackendUnavailable indicates that the upstream cannot take a request.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Kind returns the kind wrapped by err, or nil if err matches none.
func Kind(err error) error {
	for _, kind := range []error{ErrMalformed, ErrCapacity, ErrOptionAbsent, ErrInvalidInput, ErrRateLimited, ErrBackendUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Error wraps an error with the operation and peer it relates to.
type Error struct {
	Op         string // Operation that failed
	RemoteAddr string // Peer address, empty for local operations
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error. It returns nil if err is nil.
func New(op, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:         op,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
