// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type option struct {
	num   coap.OptionNumber
	value string
}

func newRequest(t *testing.T, typ coap.Type, code coap.Code, token []byte, opts []option, payload []byte) *coap.Message {
	t.Helper()

	buf := make([]byte, 256)
	var b coap.Builder
	if err := b.Init(buf, typ, token, code, 0x1234); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for _, o := range opts {
		if err := b.AddOption(o.num, []byte(o.value)); err != nil {
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

func get(t *testing.T, typ coap.Type, token []byte) *coap.Message {
	return newRequest(t, typ, coap.GET, token, []option{
		{coap.URIPath, "proxy"},
		{coap.URIPath, "temp"},
	}, nil)
}

// upstream is a fake CoAP server answering every request with its path.
type upstream struct {
	mu       sync.Mutex
	count    int
	paths    []string
	hosts    int
	delay    time.Duration
	silent   bool
	separate bool
}

func startUpstream(t *testing.T, u *upstream) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go u.serve(conn)
	return conn.LocalAddr().String()
}

func (u *upstream) serve(conn net.PacketConn) {
	buf := make([]byte, 1500)
	out := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		var req coap.Message
		if req.Parse(buf[:n]) != nil || !req.Code().IsRequest() {
			continue
		}
		path := make([]byte, 64)
		pn, _ := req.Path(path)

		u.mu.Lock()
		u.count++
		u.paths = append(u.paths, string(path[:pn]))
		if req.HasOption(coap.URIHost) || req.HasOption(coap.ProxyScheme) {
			u.hosts++
		}
		delay, silent, separate := u.delay, u.silent, u.separate
		u.mu.Unlock()

		if silent {
			continue
		}
		time.Sleep(delay)

		var b coap.Builder
		if separate {
			m, _ := coap.EmptyAck(&req, out)
			conn.WriteTo(out[:m], addr)
			b.Init(out, coap.Confirmable, req.Token(), coap.Content, req.MessageID()+1)
		} else {
			b.InitReply(&req, coap.Content, out)
		}
		b.AddContentFormat(coap.TextPlain)
		m, _ := b.SetPayload(path[:pn])
		conn.WriteTo(out[:m], addr)
	}
}

func (u *upstream) stats() (int, []string, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count, append([]string(nil), u.paths...), u.hosts
}

type fakeSender struct {
	ch chan []byte
}

func newSender() *fakeSender {
	return &fakeSender{ch: make(chan []byte, 16)}
}

func (s *fakeSender) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.ch <- append([]byte(nil), p...)
	return len(p), nil
}

func (s *fakeSender) receive(t *testing.T) *coap.Message {
	t.Helper()

	select {
	case b := <-s.ch:
		var m coap.Message
		if err := m.Parse(b); err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		return &m
	case <-time.After(2 * time.Second):
		t.Fatal("expected a separate response")
		return nil
	}
}

func (s *fakeSender) none(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case b := <-s.ch:
		t.Errorf("expected no message, got %x", b)
	case <-time.After(wait):
	}
}

type fixture struct {
	proxy  *Proxy
	sender *fakeSender
	hctx   *handler.Context
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	cfg.Prefix = "/proxy"
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s := newSender()
	return &fixture{
		proxy:  p,
		sender: s,
		hctx: &handler.Context{
			RemoteAddr: "10.0.0.1:5683",
			Addr:       &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683},
			Sender:     s,
			Path:       "/proxy/temp",
		},
	}
}

func (f *fixture) serve(t *testing.T, req *coap.Message) *coap.Message {
	t.Helper()

	buf := make([]byte, 256)
	n, err := f.proxy.ServeCoAP(context.Background(), f.hctx, req, buf)
	if err != nil {
		t.Fatalf("ServeCoAP failed: %v", err)
	}
	if n == 0 {
		return nil
	}
	var m coap.Message
	if err := m.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return &m
}

func expectEmptyAck(t *testing.T, m *coap.Message) {
	t.Helper()

	if m == nil || m.Type() != coap.Acknowledgement || m.Code() != coap.Empty || m.MessageID() != 0x1234 {
		t.Fatalf("expected empty ACK, got %+v", m)
	}
}

func TestNew_NoUpstream(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("expected ErrNoUpstream, got %v", err)
	}
}

func TestProxy_Forward(t *testing.T) {
	u := &upstream{}
	m := metrics.New("")
	f := newFixture(t, Config{Upstream: startUpstream(t, u), Metrics: m})

	req := newRequest(t, coap.Confirmable, coap.GET, []byte{1, 2}, []option{
		{coap.URIHost, "proxy.local"},
		{coap.URIPath, "proxy"},
		{coap.URIPath, "temp"},
		{coap.ProxyScheme, "coap"},
	}, nil)
	expectEmptyAck(t, f.serve(t, req))

	resp := f.sender.receive(t)
	if resp.Type() != coap.Confirmable || resp.Code() != coap.Content {
		t.Errorf("expected CON 2.05, got %v %v", resp.Type(), resp.Code())
	}
	if string(resp.Token()) != string([]byte{1, 2}) {
		t.Errorf("expected client token, got %x", resp.Token())
	}
	if string(resp.Payload()) != "/temp" || resp.ContentFormat() != coap.TextPlain {
		t.Errorf("unexpected payload %q ct %v", resp.Payload(), resp.ContentFormat())
	}

	count, paths, hosts := u.stats()
	if count != 1 || paths[0] != "/temp" {
		t.Errorf("expected one forward of /temp, got %d %v", count, paths)
	}
	if hosts != 0 {
		t.Errorf("expected Uri-Host and Proxy-Scheme stripped")
	}
	if got := testutil.ToFloat64(m.ProxyForwards.WithLabelValues(metrics.ProxyForwarded)); got != 1 {
		t.Errorf("expected 1 forwarded, got %f", got)
	}
}

func TestProxy_NonConfirmable(t *testing.T) {
	u := &upstream{}
	f := newFixture(t, Config{Upstream: startUpstream(t, u)})

	if ack := f.serve(t, get(t, coap.NonConfirmable, []byte{3})); ack != nil {
		t.Errorf("expected no immediate reply, got %+v", ack)
	}
	resp := f.sender.receive(t)
	if resp.Type() != coap.NonConfirmable || resp.Code() != coap.Content {
		t.Errorf("expected NON 2.05, got %v %v", resp.Type(), resp.Code())
	}
}

func TestProxy_SeparateUpstream(t *testing.T) {
	u := &upstream{separate: true}
	f := newFixture(t, Config{Upstream: startUpstream(t, u)})

	expectEmptyAck(t, f.serve(t, get(t, coap.Confirmable, []byte{4})))
	resp := f.sender.receive(t)
	if resp.Code() != coap.Content || string(resp.Payload()) != "/temp" {
		t.Errorf("unexpected response %v %q", resp.Code(), resp.Payload())
	}
}

func TestProxy_Duplicate(t *testing.T) {
	u := &upstream{delay: 200 * time.Millisecond}
	m := metrics.New("")
	f := newFixture(t, Config{Upstream: startUpstream(t, u), Metrics: m})

	req := get(t, coap.Confirmable, []byte{5})
	expectEmptyAck(t, f.serve(t, req))
	expectEmptyAck(t, f.serve(t, req))

	if ack := f.serve(t, get(t, coap.NonConfirmable, []byte{5})); ack != nil {
		t.Errorf("expected NON duplicate to get nothing, got %+v", ack)
	}

	f.sender.receive(t)
	f.sender.none(t, 100*time.Millisecond)

	if count, _, _ := u.stats(); count != 1 {
		t.Errorf("expected one forward, got %d", count)
	}
	if got := testutil.ToFloat64(m.ProxyForwards.WithLabelValues(metrics.ProxyDuplicate)); got != 2 {
		t.Errorf("expected 2 duplicates, got %f", got)
	}
	if f.proxy.Pending() != 0 {
		t.Errorf("expected no pending forwards, got %d", f.proxy.Pending())
	}
}

func TestProxy_UnsafeOption(t *testing.T) {
	u := &upstream{}
	f := newFixture(t, Config{Upstream: startUpstream(t, u)})

	req := newRequest(t, coap.Confirmable, coap.GET, []byte{6}, []option{
		{coap.URIPath, "proxy"},
		{66, "x"},
	}, nil)
	resp := f.serve(t, req)
	if resp == nil || resp.Type() != coap.Acknowledgement || resp.Code() != coap.BadGateway {
		t.Fatalf("expected piggybacked 5.02, got %+v", resp)
	}

	safe := newRequest(t, coap.Confirmable, coap.GET, []byte{7}, []option{
		{coap.URIPath, "proxy"},
		{65, "x"},
	}, nil)
	expectEmptyAck(t, f.serve(t, safe))
	f.sender.receive(t)
}

func TestProxy_PoolExhausted(t *testing.T) {
	u := &upstream{delay: 200 * time.Millisecond}
	addr := startUpstream(t, u)
	p := pool.New(func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "udp", addr)
	}, pool.Config{Size: 1})
	defer p.Close()
	f := newFixture(t, Config{Pool: p})

	expectEmptyAck(t, f.serve(t, get(t, coap.Confirmable, []byte{8})))
	resp := f.serve(t, get(t, coap.Confirmable, []byte{9}))
	if resp == nil || resp.Code() != coap.ServiceUnavailable {
		t.Fatalf("expected 5.03, got %+v", resp)
	}
	f.sender.receive(t)
}

func TestProxy_BreakerOpen(t *testing.T) {
	u := &upstream{}
	cb := breaker.New(breaker.Config{MaxFailures: 1, ResetTimeout: time.Hour})
	cb.Record(errors.New("down"))
	f := newFixture(t, Config{Upstream: startUpstream(t, u), Breaker: cb})

	resp := f.serve(t, get(t, coap.Confirmable, []byte{10}))
	if resp == nil || resp.Code() != coap.ServiceUnavailable {
		t.Fatalf("expected 5.03, got %+v", resp)
	}
	if f.proxy.Pending() != 0 {
		t.Errorf("expected rejected forward to be unregistered")
	}
	if _, active := f.proxy.pool.Stats(); active != 0 {
		t.Errorf("expected slot to be released, got %d active", active)
	}
}

func TestProxy_Timeout(t *testing.T) {
	u := &upstream{silent: true}
	cb := breaker.New(breaker.Config{MaxFailures: 1, ResetTimeout: time.Hour})
	f := newFixture(t, Config{Upstream: startUpstream(t, u), Breaker: cb, Timeout: 50 * time.Millisecond})

	expectEmptyAck(t, f.serve(t, get(t, coap.Confirmable, []byte{11})))
	resp := f.sender.receive(t)
	if resp.Code() != coap.GatewayTimeout || resp.Type() != coap.Confirmable {
		t.Errorf("expected CON 5.04, got %v %v", resp.Type(), resp.Code())
	}
	if cb.State() != breaker.StateOpen {
		t.Errorf("expected timeout to trip the breaker, got %v", cb.State())
	}
}

func TestProxy_UpstreamError(t *testing.T) {
	p := pool.New(func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}, pool.Config{Size: 1})
	defer p.Close()
	f := newFixture(t, Config{Pool: p})

	expectEmptyAck(t, f.serve(t, get(t, coap.Confirmable, []byte{12})))
	if resp := f.sender.receive(t); resp.Code() != coap.BadGateway {
		t.Errorf("expected 5.02, got %v", resp.Code())
	}
}

func TestProxy_Cache(t *testing.T) {
	u := &upstream{}
	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	defer c.Close()
	f := newFixture(t, Config{Upstream: startUpstream(t, u), Cache: c})

	expectEmptyAck(t, f.serve(t, get(t, coap.Confirmable, []byte{13})))
	f.sender.receive(t)
	c.Wait()

	resp := f.serve(t, get(t, coap.Confirmable, []byte{14}))
	if resp == nil || resp.Type() != coap.Acknowledgement || resp.Code() != coap.Content {
		t.Fatalf("expected piggybacked cached 2.05, got %+v", resp)
	}
	if string(resp.Token()) != string([]byte{14}) || string(resp.Payload()) != "/temp" {
		t.Errorf("unexpected cached reply %x %q", resp.Token(), resp.Payload())
	}
	if count, _, _ := u.stats(); count != 1 {
		t.Errorf("expected one forward, got %d", count)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)

	f, isNew := r.GetOrCreate("10.0.0.1:5683", []byte{1})
	if !isNew || f.ID == "" || f.RemoteAddr != "10.0.0.1:5683" {
		t.Fatalf("expected new forward, got %+v %v", f, isNew)
	}
	if dup, isNew := r.GetOrCreate("10.0.0.1:5683", []byte{1}); isNew || dup != f {
		t.Errorf("expected existing forward")
	}
	if _, isNew := r.GetOrCreate("10.0.0.1:5683", []byte{2}); !isNew {
		t.Errorf("expected distinct token to be new")
	}
	if _, isNew := r.GetOrCreate("10.0.0.2:5683", []byte{1}); !isNew {
		t.Errorf("expected distinct remote to be new")
	}
	if r.Count() != 3 {
		t.Errorf("expected 3 forwards, got %d", r.Count())
	}

	r.Remove(f)
	r.Remove(f)
	if r.Count() != 2 {
		t.Errorf("expected 2 forwards, got %d", r.Count())
	}
}

func TestProxy_Outbound(t *testing.T) {
	p := &Proxy{}
	req := newRequest(t, coap.Confirmable, coap.POST, []byte{1}, []option{
		{coap.URIHost, "proxy.local"},
		{coap.ETag, "e"},
		{coap.URIPort, "\x16\x33"},
		{coap.URIPath, "proxy"},
		{coap.URIPath, "a"},
		{coap.ContentFormat, ""},
		{coap.URIQuery, "q=1"},
		{coap.ProxyURI, "coap://x/y"},
	}, []byte("body"))
	p.req = *req

	buf := make([]byte, 128)
	n, err := p.outbound(buf, "/a", 0x0909)
	if err != nil {
		t.Fatalf("outbound failed: %v", err)
	}
	var out coap.Message
	if err := out.Parse(buf[:n]); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	path := make([]byte, 32)
	pn, _ := out.Path(path)
	if string(path[:pn]) != "/a" {
		t.Errorf("expected path /a, got %s", path[:pn])
	}
	for _, num := range []coap.OptionNumber{coap.URIHost, coap.URIPort, coap.ProxyURI} {
		if out.HasOption(num) {
			t.Errorf("expected %v to be stripped", num)
		}
	}
	if v, ok := out.Query("q"); !ok || string(v) != "1" {
		t.Errorf("expected query to be kept")
	}
	if !out.HasOption(coap.ETag) || out.ContentFormat() != coap.TextPlain {
		t.Errorf("expected ETag and Content-Format to be kept")
	}
	if out.MessageID() != 0x0909 || out.Code() != coap.POST || string(out.Payload()) != "body" {
		t.Errorf("unexpected header or payload %x %v %q", out.MessageID(), out.Code(), out.Payload())
	}
}
