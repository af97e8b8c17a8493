// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/mcoap/pkg/coap"
)

func parseRequest(t *testing.T, typ coap.Type) *coap.Message {
	t.Helper()

	buf := make([]byte, 32)
	var b coap.Builder
	if err := b.Init(buf, typ, []byte{0x01}, coap.GET, 99); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	n, err := b.Finish(0)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	req := &coap.Message{}
	if err := req.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return req
}

func TestNoopHandler(t *testing.T) {
	h := &NoopHandler{}
	req := parseRequest(t, coap.Confirmable)

	buf := make([]byte, 32)
	n, err := h.ServeCoAP(context.Background(), &Context{RemoteAddr: "127.0.0.1:5683"}, req, buf)
	if err != nil {
		t.Fatalf("ServeCoAP returned error: %v", err)
	}

	var resp coap.Message
	if err := resp.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if resp.Code() != coap.Content {
		t.Errorf("expected 2.05, got %v", resp.Code())
	}
	if resp.Type() != coap.Acknowledgement {
		t.Errorf("expected ACK, got %v", resp.Type())
	}
	if len(resp.Payload()) != 0 {
		t.Errorf("expected no payload, got %q", resp.Payload())
	}
}

func TestHandlerFunc(t *testing.T) {
	errBoom := errors.New("boom")
	var got *Context

	h := HandlerFunc(func(ctx context.Context, hctx *Context, req *coap.Message, buf []byte) (int, error) {
		got = hctx
		return 0, errBoom
	})

	hctx := &Context{Path: "/a", Resource: 42, Multicast: true}
	_, err := h.ServeCoAP(context.Background(), hctx, parseRequest(t, coap.NonConfirmable), nil)
	if !errors.Is(err, errBoom) {
		t.Errorf("expected errBoom, got %v", err)
	}
	if got != hctx {
		t.Errorf("expected context to be passed through")
	}
	if v, ok := got.Resource.(int); !ok || v != 42 {
		t.Errorf("expected resource context 42, got %v", got.Resource)
	}
}
