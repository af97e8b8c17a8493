// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"

	"github.com/absmach/mcoap/pkg/errors"
)

// Malformed input.
var (
	ErrTruncated      = fmt.Errorf("%w: unexpected end of buffer", errors.ErrMalformed)
	ErrBadVersion     = fmt.Errorf("%w: unsupported version", errors.ErrMalformed)
	ErrTokenLength    = fmt.Errorf("%w: invalid token length", errors.ErrMalformed)
	ErrReservedNibble = fmt.Errorf("%w: reserved option nibble", errors.ErrMalformed)
	ErrOptionNumber   = fmt.Errorf("%w: option number out of range", errors.ErrMalformed)
	ErrPayloadMarker  = fmt.Errorf("%w: payload marker without payload", errors.ErrMalformed)
	ErrEmptyMessage   = fmt.Errorf("%w: empty message with trailing bytes", errors.ErrMalformed)
)

// Capacity exhaustion.
var (
	ErrTooManyOptions = fmt.Errorf("%w: option table full", errors.ErrCapacity)
	ErrBufferTooSmall = fmt.Errorf("%w: buffer too small", errors.ErrCapacity)
)

// Option access and caller errors.
var (
	ErrOptionNotFound  = fmt.Errorf("%w", errors.ErrOptionAbsent)
	ErrInvalidValue    = fmt.Errorf("%w: invalid option value", errors.ErrInvalidInput)
	ErrOptionOrder     = fmt.Errorf("%w: option number below previous option", errors.ErrInvalidInput)
	ErrBlockOutOfRange = fmt.Errorf("%w: content ends before requested block", errors.ErrInvalidInput)
)
