// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/pool"
)

// DefaultTimeout bounds one upstream exchange.
const DefaultTimeout = 5 * time.Second

var (
	// ErrNoUpstream is returned by New without an upstream or pool.
	ErrNoUpstream = errors.New("proxy upstream not configured")

	// ErrUpstreamReset is returned when the upstream rejects a forward.
	ErrUpstreamReset = errors.New("upstream reset the exchange")
)

// Config holds reverse proxy configuration.
type Config struct {
	// Prefix is removed from the request path before forwarding, so with
	// "/proxy" a request for "/proxy/a/b" reaches the upstream as "/a/b".
	Prefix string

	// Upstream is the upstream CoAP endpoint (host:port).
	Upstream string

	// Name labels the upstream in metrics. Defaults to Upstream.
	Name string

	// Timeout bounds one upstream exchange.
	Timeout time.Duration

	// Pool supplies upstream slots. If nil, a default pool dialing
	// Upstream over UDP is created.
	Pool *pool.Pool

	// Breaker, Cache and Metrics are optional.
	Breaker *breaker.CircuitBreaker
	Cache   *cache.Cache
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Proxy is a CoAP reverse proxy mounted as a subtree resource.
//
// ServeCoAP admits requests without blocking: it acknowledges them with an
// empty ACK and queues them. Run forwards queued requests one at a time
// and delivers each upstream reply as a separate response. Every admitted
// request holds one pool slot until it completes.
type Proxy struct {
	config  Config
	pool    *pool.Pool
	ownPool bool
	pending *Registry
	events  chan *Forward
	nextID  atomic.Uint32

	// Owned by the Run goroutine.
	req  coap.Message
	resp coap.Message
	out  []byte
}

var _ handler.Handler = (*Proxy)(nil)

// New creates a reverse proxy.
func New(cfg Config) (*Proxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Upstream
	}
	if cfg.Pool == nil && cfg.Upstream == "" {
		return nil, ErrNoUpstream
	}

	p := &Proxy{
		config:  cfg,
		pool:    cfg.Pool,
		pending: NewRegistry(cfg.Logger),
	}
	if p.pool == nil {
		p.pool = pool.New(dialUDP(cfg.Upstream), pool.Config{})
		p.ownPool = true
	}
	// Each queued forward holds a slot, so the queue never fills.
	p.events = make(chan *Forward, p.pool.Size())
	p.out = make([]byte, p.pool.BufferSize())
	p.nextID.Store(uint32(time.Now().UnixNano()))

	if cb := cfg.Breaker; cb != nil {
		cb.OnStateChange(func(from, to breaker.State) {
			cfg.Metrics.SetBreakerState(cfg.Name, int(to), to == breaker.StateOpen)
			cfg.Logger.Warn("circuit breaker state changed",
				slog.String("backend", cfg.Name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}

	return p, nil
}

func dialUDP(addr string) pool.DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "udp", addr)
	}
}

// Pending returns the number of admitted forwards not yet completed.
func (p *Proxy) Pending() int {
	return p.pending.Count()
}

// ServeCoAP admits a request for forwarding.
func (p *Proxy) ServeCoAP(ctx context.Context, hctx *handler.Context, req *coap.Message, buf []byte) (int, error) {
	if num, ok := unsafeUnknown(req); ok {
		p.config.Metrics.ObserveProxy(metrics.ProxyRejected)
		p.config.Logger.Debug("unrecognized unsafe option",
			slog.String("client", hctx.RemoteAddr),
			slog.String("option", num.String()))
		return coap.Reply(req, coap.BadGateway, buf, coap.NoFormat, nil)
	}

	var cacheKey uint64
	cacheable := p.config.Cache != nil && cache.Cacheable(req)
	if cacheable {
		cacheKey = cache.Key(req)
		n, hit, err := p.config.Cache.Replay(cacheKey, req, buf)
		if err != nil {
			p.config.Logger.Debug("cache replay failed", slog.String("error", err.Error()))
		}
		p.config.Metrics.ObserveCache(hit && err == nil)
		if hit && err == nil {
			p.config.Metrics.ObserveProxy(metrics.ProxyCached)
			return n, nil
		}
	}

	f, isNew := p.pending.GetOrCreate(hctx.RemoteAddr, req.Token())
	if !isNew {
		p.config.Metrics.ObserveProxy(metrics.ProxyDuplicate)
		return acknowledge(req, buf)
	}

	slot, err := p.pool.TryGet()
	if err != nil {
		p.pending.Remove(f)
		return p.unavailable(hctx, req, buf, err)
	}
	if cb := p.config.Breaker; cb != nil {
		if err := cb.Allow(); err != nil {
			slot.Release()
			p.pending.Remove(f)
			return p.unavailable(hctx, req, buf, err)
		}
	}

	f.addr = hctx.Addr
	f.sender = hctx.Sender
	f.slot = slot
	f.raw = append(f.raw[:0], req.Bytes()...)
	f.path = strings.TrimPrefix(hctx.Path, p.config.Prefix)
	f.cacheable = cacheable
	f.cacheKey = cacheKey

	p.events <- f
	p.observeLoad()

	return acknowledge(req, buf)
}

// unsafeUnknown returns the first option that is not recognized and not
// safe to forward.
func unsafeUnknown(req *coap.Message) (coap.OptionNumber, bool) {
	it := req.Iter()
	for {
		num, _, ok := it.Next()
		if !ok {
			return 0, false
		}
		if num.Unsafe() && !num.Known() {
			return num, true
		}
	}
}

// acknowledge defers the response of a confirmable request. Non-confirmable
// requests get nothing until the separate response.
func acknowledge(req *coap.Message, buf []byte) (int, error) {
	if req.Type() != coap.Confirmable {
		return 0, nil
	}
	return coap.EmptyAck(req, buf)
}

func (p *Proxy) unavailable(hctx *handler.Context, req *coap.Message, buf []byte, err error) (int, error) {
	p.config.Metrics.ObserveProxy(metrics.ProxyUnavailable)
	p.config.Logger.Warn("forward rejected",
		slog.String("client", hctx.RemoteAddr),
		slog.String("backend", p.config.Name),
		slog.String("error", err.Error()))
	return coap.Reply(req, coap.ServiceUnavailable, buf, coap.NoFormat, nil)
}

// Run forwards queued requests until the context is cancelled. It must be
// running while the proxy is mounted, and only one Run may be active.
func (p *Proxy) Run(ctx context.Context) error {
	p.config.Logger.Info("proxy started",
		slog.String("prefix", p.config.Prefix),
		slog.String("backend", p.config.Name),
		slog.Int("slots", p.pool.Size()))

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case f := <-p.events:
			p.forward(ctx, f)
		}
	}
}

// drain answers forwards still queued at shutdown with 5.03.
func (p *Proxy) drain() {
	for {
		select {
		case f := <-p.events:
			if err := p.req.Parse(f.raw); err == nil {
				p.fail(f, coap.ServiceUnavailable)
			}
			if cb := p.config.Breaker; cb != nil {
				cb.Record(nil)
			}
			p.complete(f)
		default:
			return
		}
	}
}

func (p *Proxy) forward(ctx context.Context, f *Forward) {
	defer p.complete(f)

	if err := p.req.Parse(f.raw); err != nil {
		p.config.Logger.Error("invalid queued request",
			slog.String("forward", f.ID),
			slog.String("error", err.Error()))
		if cb := p.config.Breaker; cb != nil {
			cb.Record(nil)
		}
		return
	}

	start := time.Now()
	err := p.exchange(ctx, f)
	p.config.Metrics.ObserveRoundTrip(time.Since(start))
	if cb := p.config.Breaker; cb != nil {
		cb.Record(err)
	}

	switch {
	case err == nil:
		p.config.Metrics.ObserveProxy(metrics.ProxyForwarded)
		if f.cacheable {
			if _, err := p.config.Cache.Set(f.cacheKey, &p.resp); err != nil {
				p.config.Logger.Debug("cache store failed",
					slog.String("forward", f.ID),
					slog.String("error", err.Error()))
			}
		}
		p.relay(f)

	case isTimeout(err):
		p.config.Metrics.ObserveProxy(metrics.ProxyTimeout)
		p.config.Logger.Warn("upstream timeout",
			slog.String("forward", f.ID),
			slog.String("backend", p.config.Name))
		p.fail(f, coap.GatewayTimeout)

	default:
		p.config.Metrics.ObserveProxy(metrics.ProxyError)
		p.config.Logger.Warn("upstream exchange failed",
			slog.String("forward", f.ID),
			slog.String("backend", p.config.Name),
			slog.String("error", err.Error()))
		p.fail(f, coap.BadGateway)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// exchange sends p.req upstream on the forward's slot and reads the
// matching response into p.resp.
func (p *Proxy) exchange(ctx context.Context, f *Forward) error {
	s := f.slot
	conn, err := s.Conn(ctx)
	if err != nil {
		return err
	}

	id := p.messageID()
	n, err := p.outbound(s.Buf, f.path, id)
	if err != nil {
		return fmt.Errorf("failed to build upstream request: %w", err)
	}

	deadline := time.Now().Add(p.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		s.Discard()
		return err
	}
	if _, err := conn.Write(s.Buf[:n]); err != nil {
		s.Discard()
		return err
	}

	token := p.req.Token()
	for {
		n, err := conn.Read(s.Buf)
		if err != nil {
			s.Discard()
			return err
		}
		if err := p.resp.Parse(s.Buf[:n]); err != nil {
			continue
		}

		switch typ := p.resp.Type(); {
		case typ == coap.Reset:
			if p.resp.MessageID() == id {
				return ErrUpstreamReset
			}
			continue
		case typ == coap.Acknowledgement && p.resp.MessageID() != id:
			continue
		case p.resp.Code() == coap.Empty:
			// The upstream answers separately.
			continue
		case !p.resp.Code().IsResponse() || !bytes.Equal(p.resp.Token(), token):
			continue
		}

		if p.resp.Type() == coap.Confirmable {
			var ack [coap.HeaderLen]byte
			if m, err := coap.PutEmpty(ack[:], coap.Acknowledgement, p.resp.MessageID()); err == nil {
				conn.Write(ack[:m])
			}
		}
		return nil
	}
}

// outbound writes the upstream request for p.req into buf. Uri-Host,
// Uri-Port, Proxy-Uri and Proxy-Scheme name this proxy and are dropped;
// Uri-Path is replaced by path.
func (p *Proxy) outbound(buf []byte, path string, id uint16) (int, error) {
	var b coap.Builder
	if err := b.Init(buf, p.req.Type(), p.req.Token(), p.req.Code(), id); err != nil {
		return 0, err
	}

	pathDone := false
	it := p.req.Iter()
	for {
		num, v, ok := it.Next()
		if !ok {
			break
		}
		if !pathDone && num >= coap.URIPath {
			if err := b.AddPath(path); err != nil {
				return 0, err
			}
			pathDone = true
		}
		switch num {
		case coap.URIHost, coap.URIPort, coap.URIPath, coap.ProxyURI, coap.ProxyScheme:
			continue
		}
		if err := b.AddOption(num, v); err != nil {
			return 0, err
		}
	}
	if !pathDone {
		if err := b.AddPath(path); err != nil {
			return 0, err
		}
	}
	return b.SetPayload(p.req.Payload())
}

// relay delivers p.resp to the client as a separate response.
func (p *Proxy) relay(f *Forward) {
	var b coap.Builder
	ok, err := b.InitSeparate(&p.req, p.resp.Code(), p.messageID(), p.out)
	if !ok || err != nil {
		p.sendError(f, err)
		return
	}

	it := p.resp.Iter()
	for {
		num, v, ok := it.Next()
		if !ok {
			break
		}
		if err := b.AddOption(num, v); err != nil {
			p.sendError(f, err)
			return
		}
	}
	n, err := b.SetPayload(p.resp.Payload())
	if err != nil {
		p.sendError(f, err)
		return
	}
	p.send(f, p.out[:n])
}

// fail delivers an empty error response with code to the client.
func (p *Proxy) fail(f *Forward, code coap.Code) {
	var b coap.Builder
	ok, err := b.InitSeparate(&p.req, code, p.messageID(), p.out)
	if !ok || err != nil {
		p.sendError(f, err)
		return
	}
	n, err := b.Finish(0)
	if err != nil {
		p.sendError(f, err)
		return
	}
	p.send(f, p.out[:n])
}

func (p *Proxy) send(f *Forward, msg []byte) {
	if f.sender == nil {
		return
	}
	if _, err := f.sender.WriteTo(msg, f.addr); err != nil {
		p.sendError(f, err)
		return
	}
	p.config.Metrics.ObserveSent(coap.Type(msg[0]>>4&0x03), coap.Code(msg[1]))
}

func (p *Proxy) sendError(f *Forward, err error) {
	if err == nil {
		return
	}
	p.config.Logger.Error("failed to deliver separate response",
		slog.String("forward", f.ID),
		slog.String("client", f.RemoteAddr),
		slog.String("error", err.Error()))
}

// complete frees the forward's slot and registration.
func (p *Proxy) complete(f *Forward) {
	f.slot.Release()
	p.pending.Remove(f)
	p.observeLoad()
}

func (p *Proxy) observeLoad() {
	_, active := p.pool.Stats()
	p.config.Metrics.SetPending(p.pending.Count())
	p.config.Metrics.SetActiveSlots(p.config.Name, active)
}

func (p *Proxy) messageID() uint16 {
	return uint16(p.nextID.Add(1))
}

// Close releases the pool created by New.
func (p *Proxy) Close() error {
	if p.ownPool {
		return p.pool.Close()
	}
	return nil
}
