// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/coap"
)

var errNoReset = errors.New("upstream did not answer ping with reset")

// CoAPPing checks a CoAP endpoint by sending an empty confirmable message
// and expecting a reset with the same message id.
func CoAPPing(addr string) CheckFunc {
	var next atomic.Uint32
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(DefaultCheckTimeout)
		}
		conn.SetDeadline(deadline)

		id := uint16(next.Add(1))
		buf := make([]byte, 64)
		n, err := coap.PutEmpty(buf, coap.Confirmable, id)
		if err != nil {
			return err
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return err
		}

		n, err = conn.Read(buf)
		if err != nil {
			return err
		}
		var msg coap.Message
		if err := msg.Parse(buf[:n]); err != nil {
			return fmt.Errorf("invalid ping reply: %w", err)
		}
		if msg.Type() != coap.Reset || msg.MessageID() != id {
			return errNoReset
		}
		return nil
	}
}

// Breaker reports an error while the circuit breaker is not closed.
func Breaker(cb *breaker.CircuitBreaker) CheckFunc {
	return func(ctx context.Context) error {
		if state := cb.State(); state != breaker.StateClosed {
			return fmt.Errorf("circuit breaker is %s", state)
		}
		return nil
	}
}
