// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/coap"
	mcerrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/metrics"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default size of receive and reply buffers.
	// It covers the 1152 byte message size recommended for CoAP plus
	// headroom for IP options.
	DefaultBufferSize = 1280

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Dispatcher serves a parsed request by writing a reply into buf.
// router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, hctx *handler.Context, req *coap.Message, buf []byte) (int, error)
}

// Limiter admits datagrams per client key.
type Limiter interface {
	Allow(key string) bool
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// MulticastGroup optionally joins a multicast group (host:port), such
	// as "224.0.1.187:5683" for All CoAP Nodes. Requests received on it are
	// flagged as multicast and never answered with errors.
	MulticastGroup string

	// ShutdownTimeout is the maximum time to wait for in-flight requests
	// during graceful shutdown
	ShutdownTimeout time.Duration

	// BufferSize is the size of datagram read and reply buffers in bytes.
	// If 0, uses DefaultBufferSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// If 0, uses DefaultWorkerPoolSize.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Limiter, if set, drops datagrams from clients over their budget.
	Limiter Limiter

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	buf       *[]byte
	n         int
	addr      net.Addr
	multicast bool
}

// worker owns the per-goroutine parse and reply state, so the packet path
// does not allocate.
type worker struct {
	id   int
	req  coap.Message
	hctx handler.Context
	out  []byte
}

// Server is a CoAP over UDP server. Each datagram is parsed, dispatched
// and answered synchronously on one of a fixed number of workers.
type Server struct {
	config     Config
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup
}

// New creates a new UDP server with the given configuration and dispatcher.
func New(cfg Config, d Dispatcher) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	// Create buffer pool for efficient memory reuse
	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		dispatcher: d,
		metrics:    cfg.Metrics,
		bufferPool: bufferPool,
		packetCh:   make(chan packetJob, cfg.WorkerPoolSize*2),
	}
}

// Listen opens the configured sockets and serves them until the context
// is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	if s.config.MulticastGroup == "" {
		return s.serve(ctx, conn, nil)
	}

	gaddr, err := net.ResolveUDPAddr("udp", s.config.MulticastGroup)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast group %s: %w", s.config.MulticastGroup, err)
	}
	group, err := net.ListenMulticastUDP("udp", nil, gaddr)
	if err != nil {
		return fmt.Errorf("failed to join multicast group %s: %w", s.config.MulticastGroup, err)
	}
	defer group.Close()

	return s.serve(ctx, conn, group)
}

// Serve serves requests arriving on conn until the context is cancelled.
// conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	return s.serve(ctx, conn, nil)
}

func (s *Server) serve(ctx context.Context, conn, group net.PacketConn) error {
	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("multicast_group", s.config.MulticastGroup),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	// Start worker pool for packet processing
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx, conn)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		s.readLoop(ctx, conn, false)
	}()
	if group != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.readLoop(ctx, group, true)
		}()
	}

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the sockets to stop reading
	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	if group != nil {
		group.Close()
	}
	readers.Wait()

	// Close packet channel and wait for workers to finish
	close(s.packetCh)
	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all workers stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		workerCancel()
		return ErrShutdownTimeout
	}
}

// readLoop reads datagrams from conn and queues them for the workers.
func (s *Server) readLoop(ctx context.Context, conn net.PacketConn, multicast bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Get buffer from pool; the worker returns it
		bufPtr := s.bufferPool.Get().(*[]byte)

		n, addr, err := conn.ReadFrom(*bufPtr)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}
		}

		// Send packet to worker pool (non-blocking)
		select {
		case s.packetCh <- packetJob{buf: bufPtr, n: n, addr: addr, multicast: multicast}:
		case <-ctx.Done():
			s.bufferPool.Put(bufPtr)
			return
		default:
			// Worker pool is full, drop packet and log warning
			s.bufferPool.Put(bufPtr)
			s.metrics.ObserveDrop(metrics.DropQueueFull)
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", addr.String()))
		}
	}
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context, conn net.PacketConn) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(w *worker) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, conn, w)
		}(&worker{id: i, out: make([]byte, s.config.BufferSize)})
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker processes packets from the packet channel.
func (s *Server) packetWorker(ctx context.Context, conn net.PacketConn, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				// Channel closed, worker should exit
				return
			}
			err := s.handlePacket(ctx, conn, w, job)
			s.bufferPool.Put(job.buf)
			if err != nil {
				s.config.Logger.Debug("packet handler error",
					slog.Int("worker", w.id),
					slog.String("client", job.addr.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// handlePacket processes a single datagram:
// 1. Admission through the rate limiter
// 2. Parsing; malformed datagrams are dropped without reply
// 3. Empty messages: pings are answered with a reset
// 4. Requests are dispatched and the reply is sent back
func (s *Server) handlePacket(ctx context.Context, conn net.PacketConn, w *worker, job packetJob) error {
	remote := job.addr.String()

	if s.config.Limiter != nil && !s.config.Limiter.Allow(clientKey(job.addr)) {
		s.metrics.ObserveDrop(metrics.DropRateLimited)
		return mcerrors.New("admit", remote, mcerrors.ErrRateLimited)
	}

	data := (*job.buf)[:job.n]
	if err := w.req.Parse(data); err != nil {
		s.metrics.ObserveDrop(metrics.DropMalformed)
		return mcerrors.New("parse", remote, err)
	}
	s.metrics.ObserveReceived(w.req.Type())

	code := w.req.Code()
	switch {
	case code == coap.Empty:
		// CoAP ping
		if w.req.Type() != coap.Confirmable || job.multicast {
			return nil
		}
		n, err := coap.PutEmpty(w.out, coap.Reset, w.req.MessageID())
		if err != nil {
			return mcerrors.New("ping", remote, err)
		}
		return s.send(conn, w.out[:n], job.addr)

	case !code.IsRequest():
		s.metrics.ObserveDrop(metrics.DropUnexpected)
		if w.req.Type() != coap.Confirmable || job.multicast {
			return nil
		}
		// Reject unexpected confirmable responses.
		n, err := coap.PutEmpty(w.out, coap.Reset, w.req.MessageID())
		if err != nil {
			return mcerrors.New("reject", remote, err)
		}
		return s.send(conn, w.out[:n], job.addr)
	}

	w.hctx = handler.Context{
		RemoteAddr: remote,
		Addr:       job.addr,
		Sender:     conn,
		Multicast:  job.multicast,
	}

	var n int
	err := s.metrics.ObserveRequest(code, func() (coap.Code, error) {
		var err error
		n, err = s.dispatcher.Dispatch(ctx, &w.hctx, &w.req, w.out)
		if n == 0 {
			return 0, err
		}
		return coap.Code(w.out[1]), err
	})
	if err != nil {
		s.config.Logger.Debug("dispatch error",
			slog.String("client", remote),
			slog.String("path", w.hctx.Path),
			slog.String("error", err.Error()))
	}
	if n == 0 {
		return nil
	}
	return s.send(conn, w.out[:n], job.addr)
}

func (s *Server) send(conn net.PacketConn, msg []byte, addr net.Addr) error {
	if _, err := conn.WriteTo(msg, addr); err != nil {
		return mcerrors.New("send", addr.String(), err)
	}
	s.metrics.ObserveSent(coap.Type(msg[0]>>4&0x03), coap.Code(msg[1]))
	return nil
}

// clientKey identifies a client for rate limiting by its host.
func clientKey(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
