// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the CoAP over UDP host loop for mcoap.
//
// # Overview
//
// The server reads datagrams on one goroutine per socket and hands them to
// a fixed pool of workers. Each worker owns a parsed message, a handler
// context and a reply buffer, and serves one datagram at a time:
//
//	┌─────────┐         ┌───────────┐   job   ┌──────────┐         ┌────────────┐
//	│ Client  │ ──UDP─→ │ Read loop │ ──────→ │  Worker  │ ──────→ │ Dispatcher │
//	└─────────┘         └───────────┘         └──────────┘         └────────────┘
//	     ↑                                          │
//	     └──────────────────── reply ───────────────┘
//
// # Packet Flow
//
//  1. Read loop receives a datagram into a pooled buffer
//  2. Datagram is queued for the workers; a full queue drops it
//  3. Limiter admits or drops it by client IP
//  4. Datagram is parsed; malformed ones are dropped without reply
//  5. An empty confirmable message (ping) is answered with a reset
//  6. Requests are dispatched and the reply, if any, is sent back
//
// # Multicast
//
// With MulticastGroup set, the server also joins the group and serves
// requests received on it. Those are marked in handler.Context and
// replies go out through the unicast socket. Error replies and pings are
// suppressed for multicast requests.
//
// # Graceful Shutdown
//
// When the context is cancelled the sockets are closed, the read loops
// exit and the workers are awaited for at most ShutdownTimeout, after which
// ErrShutdownTimeout is returned. A Server serves once.
//
// # Example
//
//	r, _ := router.New(router.Config{}, resources)
//	server := udp.New(udp.Config{Address: ":5683"}, r)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
