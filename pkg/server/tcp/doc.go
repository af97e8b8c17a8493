// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements a CoAP over TCP server (RFC 8323).
//
// # Overview
//
// The server accepts connections and serves each one on its own
// goroutine with the same Dispatcher the UDP server uses. Frames carry no
// message type or id: every inbound frame is rewritten as a
// non-confirmable datagram, parsed and dispatched, and the reply is
// rewritten back as a frame.
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server sends its CSM (Max-Message-Size, Block-Wise-Transfer)
//  3. Frames are read one at a time and handled in order
//  4. Ping is answered with Pong carrying the same token
//  5. Release or Abort from the peer ends the connection
//  6. Oversized or malformed frames are answered with Abort and the
//     connection is closed, since a stream cannot resynchronize
//
// Handlers that answer later, such as the reverse proxy, write through
// handler.Context.Sender, which frames their messages on the same
// connection. Writes are serialized per connection.
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Connections finish the request in progress, send Release and close
//  3. After ShutdownTimeout, remaining connections are forcefully closed
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Configuration
//
//   - Address: Server listen address (e.g., ":5683")
//   - MaxMessageSize: Frame size bound, advertised in the CSM (default: 1152)
//   - IdleTimeout: Closes silent connections (default: disabled)
//   - ShutdownTimeout: Max wait time for graceful shutdown (default: 30s)
//   - Limiter: Optional per-client admission
//   - Logger: Structured logger
//
// # Example
//
//	r, err := router.New(router.Config{}, resources)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	server := tcp.New(tcp.Config{Address: ":5683"}, r)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
