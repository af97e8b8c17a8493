// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

func TestParse_FromGoCoap(t *testing.T) {
	ctx := context.Background()
	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetCode(codes.POST)
	msg.SetMessageID(123)
	msg.SetType(message.Confirmable)
	msg.SetToken(message.Token{0x01, 0x02, 0x03})
	if err := msg.SetPath("/channels/123/messages"); err != nil {
		t.Fatalf("SetPath failed: %v", err)
	}
	msg.SetContentFormat(message.AppJSON)
	msg.SetBody(bytes.NewReader([]byte(`{"v":1}`)))

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var m Message
	if err := m.Parse(data); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Type() != Confirmable || m.Code() != POST || m.MessageID() != 123 {
		t.Errorf("unexpected header %v %v %d", m.Type(), m.Code(), m.MessageID())
	}
	if !bytes.Equal(m.Token(), []byte{1, 2, 3}) {
		t.Errorf("unexpected token %x", m.Token())
	}
	path := make([]byte, 64)
	n, err := m.Path(path)
	if err != nil || string(path[:n]) != "/channels/123/messages" {
		t.Errorf("unexpected path %q, %v", path[:n], err)
	}
	if m.ContentFormat() != AppJSON {
		t.Errorf("expected json content format, got %d", m.ContentFormat())
	}
	if string(m.Payload()) != `{"v":1}` {
		t.Errorf("unexpected payload %q", m.Payload())
	}
}

func TestBuild_ToGoCoap(t *testing.T) {
	buf := make([]byte, 128)
	var b Builder
	if err := b.Init(buf, NonConfirmable, []byte{0xAA, 0xBB}, PUT, 4242); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := b.AddPath("/a/b"); err != nil {
		t.Fatalf("AddPath failed: %v", err)
	}
	if err := b.AddContentFormat(TextPlain); err != nil {
		t.Fatalf("AddContentFormat failed: %v", err)
	}
	if err := b.AddString(URIQuery, "x=1&y=2", '&'); err != nil {
		t.Fatalf("AddString failed: %v", err)
	}
	n, err := b.SetPayload([]byte("hello"))
	if err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, buf[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Code() != codes.PUT || msg.Type() != message.NonConfirmable || msg.MessageID() != 4242 {
		t.Errorf("unexpected header %v %v %d", msg.Code(), msg.Type(), msg.MessageID())
	}
	if !bytes.Equal(msg.Token(), []byte{0xAA, 0xBB}) {
		t.Errorf("unexpected token %x", msg.Token())
	}
	path, err := msg.Options().Path()
	if err != nil || path != "/a/b" {
		t.Errorf("unexpected path %q, %v", path, err)
	}
	queries, err := msg.Options().Queries()
	if err != nil || len(queries) != 2 || queries[0] != "x=1" || queries[1] != "y=2" {
		t.Errorf("unexpected queries %q, %v", queries, err)
	}
	body, err := msg.ReadBody()
	if err != nil || string(body) != "hello" {
		t.Errorf("unexpected body %q, %v", body, err)
	}
}
