// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the CoAP (RFC 7252) and block-wise transfer
// (RFC 7959) wire engine used by mcoap.
//
// # Overview
//
// The package works on caller supplied buffers only. Parsing produces a
// Message view whose token, option values and payload alias the input
// buffer; building writes header, options and payload directly into an
// output buffer. Nothing in the packet path allocates, so the engine is
// safe to use concurrently on independent buffers.
//
// # Wire Format
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Option numbers are delta encoded. Each option header byte carries a delta
// nibble and a length nibble: 0-12 are literal, 13 adds one extension byte
// (value + 13), 14 adds two big-endian extension bytes (value + 269) and 15
// is reserved for the payload marker. Tokens longer than 8 bytes use the
// same scheme in the TKL nibble (RFC 8974).
//
// # Parsing
//
//	var msg coap.Message
//	if err := msg.Parse(buf[:n]); err != nil {
//		// errors.ErrMalformed or errors.ErrCapacity: drop the datagram
//	}
//	path := make([]byte, 64)
//	l, _ := msg.Path(path)
//
// Options are recorded as (number, offset) pairs in a fixed table of
// MaxOptions entries. Values are decoded again from the recorded offset on
// every access.
//
// # Building
//
//	var b coap.Builder
//	ok, err := b.InitReply(&req, coap.Content, out)
//	if ok && err == nil {
//		b.AddContentFormat(coap.TextPlain)
//		n, err = b.SetPayload([]byte("hello"))
//	}
//
// Options must be added in non-decreasing number order; the builder returns
// ErrOptionOrder otherwise.
//
// # Block-wise Responses
//
// A Slicer selects the block requested by the client out of a body that is
// produced sequentially. The Block2 option is written with the continuation
// bit set and patched in place by Finish once the body length is known:
//
//	n, err := coap.ReplyBlockwise(&req, coap.Content, out, coap.TextPlain, 6,
//		func(s *coap.Slicer) {
//			io.WriteString(s, largeBody)
//		})
//
// Block numbers are limited to MaxBlockNum so the option value keeps its
// width between the placeholder and the final write.
package coap
