// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"testing"

	"github.com/absmach/mcoap/pkg/coap"
)

type option struct {
	num   coap.OptionNumber
	value []byte
}

func build(t *testing.T, typ coap.Type, code coap.Code, token []byte, id uint16, opts []option, payload []byte) *coap.Message {
	t.Helper()

	buf := make([]byte, 256)
	var b coap.Builder
	if err := b.Init(buf, typ, token, code, id); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for _, o := range opts {
		if err := b.AddOption(o.num, o.value); err != nil {
			t.Fatalf("AddOption failed: %v", err)
		}
	}
	n, err := b.SetPayload(payload)
	if err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}
	var m coap.Message
	if err := m.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return &m
}

func newCache(t *testing.T) *Cache {
	t.Helper()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKey(t *testing.T) {
	path := option{coap.URIPath, []byte("temp")}
	base := Key(build(t, coap.Confirmable, coap.GET, []byte{1}, 1, []option{path}, nil))

	cases := []struct {
		name  string
		msg   *coap.Message
		equal bool
	}{
		{
			name:  "token and id ignored",
			msg:   build(t, coap.NonConfirmable, coap.GET, []byte{9, 9}, 77, []option{path}, nil),
			equal: true,
		},
		{
			name:  "observe ignored",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{{coap.Observe, nil}, path}, nil),
			equal: true,
		},
		{
			name:  "block2",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{path, {coap.Block2, []byte{0x12}}}, nil),
			equal: false,
		},
		{
			name:  "size1 is NoCacheKey",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{path, {coap.Size1, []byte{10}}}, nil),
			equal: true,
		},
		{
			name:  "other path",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{{coap.URIPath, []byte("hum")}}, nil),
			equal: false,
		},
		{
			name:  "query",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{path, {coap.URIQuery, []byte("u=c")}}, nil),
			equal: false,
		},
		{
			name:  "method",
			msg:   build(t, coap.Confirmable, coap.FETCH, nil, 1, []option{path}, nil),
			equal: false,
		},
		{
			name:  "GET payload ignored",
			msg:   build(t, coap.Confirmable, coap.GET, nil, 1, []option{path}, []byte("x")),
			equal: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Key(tc.msg) == base; got != tc.equal {
				t.Errorf("expected equal=%v", tc.equal)
			}
		})
	}

	f1 := Key(build(t, coap.Confirmable, coap.FETCH, nil, 1, []option{path}, []byte("a")))
	f2 := Key(build(t, coap.Confirmable, coap.FETCH, nil, 1, []option{path}, []byte("b")))
	if f1 == f2 {
		t.Error("expected FETCH payload to be part of the key")
	}
}

func TestCacheable(t *testing.T) {
	for code, want := range map[coap.Code]bool{
		coap.GET:    true,
		coap.FETCH:  true,
		coap.POST:   false,
		coap.PUT:    false,
		coap.DELETE: false,
	} {
		if got := Cacheable(build(t, coap.Confirmable, code, nil, 1, nil, nil)); got != want {
			t.Errorf("%v: expected %v", code, want)
		}
	}
}

func TestCache_Replay(t *testing.T) {
	c := newCache(t)

	req := build(t, coap.Confirmable, coap.GET, []byte{0xAA}, 0x10, []option{{coap.URIPath, []byte("temp")}}, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, []byte{0xAA}, 0x10, []option{
		{coap.ETag, []byte{1, 2}},
		{coap.ContentFormat, nil},
		{coap.MaxAge, []byte{30}},
		{coap.Size2, []byte{2}},
	}, []byte("21"))

	key := Key(req)
	if ok, err := c.Set(key, resp); !ok || err != nil {
		t.Fatal("expected response to be admitted")
	}
	c.Wait()

	next := build(t, coap.NonConfirmable, coap.GET, []byte{0xBB, 0xCC}, 0x20, []option{{coap.URIPath, []byte("temp")}}, nil)
	buf := make([]byte, 128)
	n, hit, err := c.Replay(Key(next), next, buf)
	if err != nil || !hit {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}

	var got coap.Message
	if err := got.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.Type() != coap.NonConfirmable || got.MessageID() != 0x20 || string(got.Token()) != string([]byte{0xBB, 0xCC}) {
		t.Errorf("expected requester's type, id and token, got %v %x %x", got.Type(), got.MessageID(), got.Token())
	}
	if got.Code() != coap.Content || string(got.Payload()) != "21" {
		t.Errorf("unexpected reply %v %q", got.Code(), got.Payload())
	}
	if age := got.MaxAge(); age == 0 || age > 30 {
		t.Errorf("expected Max-Age at most 30, got %d", age)
	}
	if etag, err := got.Option(coap.ETag); err != nil || len(etag) != 2 {
		t.Errorf("expected ETag to be replayed, got %x %v", etag, err)
	}
	if size, ok := got.Size2(); !ok || size != 2 {
		t.Errorf("expected Size2 to be replayed, got %d", size)
	}
}

func TestCache_Block2(t *testing.T) {
	c := newCache(t)

	path := option{coap.URIPath, []byte("blob")}
	first := build(t, coap.Confirmable, coap.GET, []byte{1}, 1, []option{path, {coap.Block2, []byte{0x02}}}, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, []byte{1}, 1, []option{
		{coap.MaxAge, []byte{30}},
		{coap.Block2, []byte{0x0A}},
	}, []byte("BLOCK-ZERO"))

	if ok, err := c.Set(Key(first), resp); !ok || err != nil {
		t.Fatal("expected response to be admitted")
	}
	c.Wait()

	buf := make([]byte, 128)
	second := build(t, coap.Confirmable, coap.GET, []byte{2}, 2, []option{path, {coap.Block2, []byte{0x12}}}, nil)
	if Key(second) == Key(first) {
		t.Fatal("expected blocks to have distinct keys")
	}
	if _, hit, err := c.Replay(Key(second), second, buf); hit || err != nil {
		t.Errorf("expected miss for block 1, got hit=%v err=%v", hit, err)
	}

	again := build(t, coap.Confirmable, coap.GET, []byte{3}, 3, []option{path, {coap.Block2, []byte{0x02}}}, nil)
	n, hit, err := c.Replay(Key(again), again, buf)
	if err != nil || !hit {
		t.Fatalf("expected hit for block 0, got %v %v", hit, err)
	}
	var got coap.Message
	if err := got.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	blk, err := got.Block2()
	if err != nil || blk.Num != 0 || !blk.More || string(got.Payload()) != "BLOCK-ZERO" {
		t.Errorf("unexpected replay %+v %v %q", blk, err, got.Payload())
	}
}

func TestCache_DefaultMaxAge(t *testing.T) {
	c := newCache(t)

	req := build(t, coap.Confirmable, coap.GET, nil, 1, nil, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, nil, 1, []option{{coap.ContentFormat, nil}}, []byte("x"))

	if ok, err := c.Set(Key(req), resp); !ok || err != nil {
		t.Fatal("expected response to be admitted")
	}
	c.Wait()

	buf := make([]byte, 64)
	n, hit, err := c.Replay(Key(req), req, buf)
	if err != nil || !hit {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}
	var got coap.Message
	if err := got.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !got.HasOption(coap.MaxAge) || got.MaxAge() > coap.DefaultMaxAge {
		t.Errorf("expected inserted Max-Age, got %d", got.MaxAge())
	}
}

func TestCache_NotStored(t *testing.T) {
	c := newCache(t)
	req := build(t, coap.Confirmable, coap.GET, nil, 1, nil, nil)

	cases := []struct {
		name string
		resp *coap.Message
	}{
		{"max-age zero", build(t, coap.Acknowledgement, coap.Content, nil, 1, []option{{coap.MaxAge, nil}}, nil)},
		{"not content", build(t, coap.Acknowledgement, coap.NotFound, nil, 1, nil, nil)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if ok, _ := c.Set(Key(req), tc.resp); ok {
				t.Error("expected response to be refused")
			}
		})
	}

	c.Wait()
	if _, hit, _ := c.Replay(Key(req), req, make([]byte, 64)); hit {
		t.Error("expected miss")
	}
}

func TestCache_Del(t *testing.T) {
	c := newCache(t)
	req := build(t, coap.Confirmable, coap.GET, nil, 1, nil, nil)
	resp := build(t, coap.Acknowledgement, coap.Content, nil, 1, nil, []byte("x"))

	c.Set(Key(req), resp)
	c.Wait()
	c.Del(Key(req))

	if _, hit, _ := c.Replay(Key(req), req, make([]byte, 64)); hit {
		t.Error("expected miss after Del")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{MaxBytes: -1}); err == nil {
		t.Error("expected error for negative size")
	}
}
