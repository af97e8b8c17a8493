// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the resource
// dispatcher to application logic.
//
// # Data Flow
//
//	Client → Server (parse) → Router (match) → Handler (reply into buf) → Server → Client
//
// The server owns the receive and reply buffers. A handler reads the parsed
// request, which aliases the receive buffer, and writes its reply into the
// reply buffer it is given. Nothing is retained between calls.
//
// # Context
//
// The Context struct carries metadata the message does not:
//   - RemoteAddr: Client's network address
//   - Multicast: Whether the request arrived on a multicast group
//   - Path: Request path used for matching
//   - Resource: Opaque value registered with the resource
//
// # Example
//
//	var counter atomic.Int64
//
//	h := handler.HandlerFunc(func(ctx context.Context, hctx *handler.Context, req *coap.Message, buf []byte) (int, error) {
//		v := strconv.AppendInt(nil, counter.Add(1), 10)
//		return coap.Reply(req, coap.Content, buf, coap.TextPlain, v)
//	})
package handler
