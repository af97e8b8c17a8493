// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"net"

	"github.com/absmach/mcoap/pkg/coap"
)

// Sender writes datagrams to a peer. net.PacketConn implements it; TCP
// connections rewrite each datagram as a frame.
type Sender interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Context contains request metadata that is not part of the message itself.
// It is filled by the server and the dispatcher before a Handler runs.
type Context struct {
	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Addr is the client's address in the form Sender accepts.
	Addr net.Addr

	// Sender delivers messages to the client outside of the reply, such as
	// separate responses. It is only valid while the server runs.
	Sender Sender

	// Multicast is set for requests received on a multicast group. Handlers
	// should stay silent rather than answer such requests with errors.
	Multicast bool

	// Path is the request path as matched against the resource table.
	Path string

	// Resource is the opaque context registered with the matched resource.
	Resource any
}

// Handler serves one parsed CoAP request.
//
// ServeCoAP writes a complete reply to req into buf, typically with
// coap.Reply or a coap.Builder started by InitReply, and returns its
// length. Returning 0 sends nothing. Returning an error makes the
// dispatcher answer with an empty reset, or drop the request if it was
// received by multicast.
//
// Handlers run synchronously on the server's worker and must not block
// for long. They must tolerate being invoked again for a retransmitted
// request, since no deduplication happens below them.
type Handler interface {
	ServeCoAP(ctx context.Context, hctx *Context, req *coap.Message, buf []byte) (int, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, hctx *Context, req *coap.Message, buf []byte) (int, error)

var _ Handler = HandlerFunc(nil)

// ServeCoAP calls f.
func (f HandlerFunc) ServeCoAP(ctx context.Context, hctx *Context, req *coap.Message, buf []byte) (int, error) {
	return f(ctx, hctx, req, buf)
}

// NoopHandler answers every request with an empty 2.05 Content.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

// ServeCoAP replies 2.05 Content without payload.
func (h *NoopHandler) ServeCoAP(ctx context.Context, hctx *Context, req *coap.Message, buf []byte) (int, error) {
	return coap.Reply(req, coap.Content, buf, coap.NoFormat, nil)
}
