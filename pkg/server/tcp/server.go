// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
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

	// DefaultMaxMessageSize is the message size every RFC 8323 peer must
	// accept before capabilities are exchanged.
	DefaultMaxMessageSize = 1152

	// frameOverhead covers the frame header and the token.
	frameOverhead = 16
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	errAborted = errors.New("connection aborted by peer")
)

// Dispatcher serves a parsed request by writing a reply into buf.
// router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, hctx *handler.Context, req *coap.Message, buf []byte) (int, error)
}

// Limiter admits frames per client key.
type Limiter interface {
	Allow(key string) bool
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// MaxMessageSize bounds inbound and outbound messages and is advertised
	// in the CSM sent on connect. If 0, uses DefaultMaxMessageSize.
	MaxMessageSize int

	// IdleTimeout closes connections without inbound frames for this long.
	// If 0, connections are kept until the peer closes them.
	IdleTimeout time.Duration

	// Limiter, if set, drops frames from clients over their budget.
	Limiter Limiter

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Server is a CoAP over TCP server (RFC 8323). Each connection is served
// by one goroutine that reads frames, dispatches requests and writes the
// replies in order.
type Server struct {
	config     Config
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// New creates a new TCP server with the given configuration and dispatcher.
func New(cfg Config, d Dispatcher) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		config:     cfg,
		dispatcher: d,
		metrics:    cfg.Metrics,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context is cancelled.
// It implements graceful shutdown with connection draining; listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.config.Logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_message_size", s.config.MaxMessageSize))

	// Cancelled only when draining times out, to force connections closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(ctx, connCtx, conn); err != nil {
					s.config.Logger.Debug("connection closed with error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// session is one client connection. Replies come from the read loop and
// separate responses from other goroutines, so writes are serialized.
type session struct {
	conn net.Conn
	mu   sync.Mutex
	out  []byte
}

// WriteTo implements handler.Sender: the datagram p is rewritten as a
// frame. addr is ignored since the connection has a single peer. Empty
// messages are not written; RFC 8323 peers ignore them.
func (s *session) WriteTo(p []byte, _ net.Addr) (int, error) {
	var m coap.Message
	if err := m.Parse(p); err != nil {
		return 0, err
	}
	if m.Code() == coap.Empty {
		return len(p), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := coap.DatagramToFrame(&m, s.out)
	if err != nil {
		return 0, err
	}
	if _, err := s.conn.Write(s.out[:n]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// signal writes a signaling frame with the given token and no options.
func (s *session) signal(code coap.Code, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := coap.PutFrame(s.out, code, token, nil)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(s.out[:n])
	return err
}

func (s *session) csm(maxMessageSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := coap.PutCSM(s.out, uint32(maxMessageSize), true)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(s.out[:n])
	return err
}

// handleConn serves one connection:
// 1. The server's CSM is sent
// 2. Frames are read and rewritten as datagrams for the parser
// 3. Signals are answered, requests are dispatched and replied to
// 4. On shutdown the peer is sent a Release and the connection closed
func (s *Server) handleConn(ctx, connCtx context.Context, conn net.Conn) error {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	size := s.config.MaxMessageSize
	sess := &session{conn: conn, out: make([]byte, size+frameOverhead)}

	// Shutdown interrupts the blocked read; the forced stop closes the conn.
	stopRead := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stopRead()
	stopConn := context.AfterFunc(connCtx, func() {
		conn.Close()
	})
	defer stopConn()

	if err := sess.csm(size); err != nil {
		return mcerrors.New("csm", remote, err)
	}
	s.config.Logger.Debug("connection established", slog.String("client", remote))

	var (
		req   coap.Message
		hctx  handler.Context
		id    uint16
		frame = make([]byte, size+frameOverhead)
		dgram = make([]byte, size+frameOverhead)
		out   = make([]byte, size)
	)
	for {
		var deadline time.Time
		if s.config.IdleTimeout > 0 {
			deadline = time.Now().Add(s.config.IdleTimeout)
		}
		conn.SetReadDeadline(deadline)
		if ctx.Err() != nil {
			sess.signal(coap.SignalRelease, nil)
			return nil
		}

		n, err := coap.ReadFrame(conn, frame)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			sess.signal(coap.SignalRelease, nil)
			return nil
		case errors.Is(err, io.EOF):
			s.config.Logger.Debug("connection closed by peer", slog.String("client", remote))
			return nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.config.Logger.Debug("idle connection closed", slog.String("client", remote))
			sess.signal(coap.SignalRelease, nil)
			return nil
		case errors.Is(err, coap.ErrBufferTooSmall), errors.Is(err, coap.ErrTokenLength):
			s.metrics.ObserveDrop(metrics.DropMalformed)
			sess.signal(coap.SignalAbort, nil)
			return mcerrors.New("read", remote, err)
		default:
			return mcerrors.New("read", remote, err)
		}

		if s.config.Limiter != nil && !s.config.Limiter.Allow(clientKey(conn.RemoteAddr())) {
			s.metrics.ObserveDrop(metrics.DropRateLimited)
			continue
		}

		id++
		dn, err := coap.FrameToDatagram(frame[:n], coap.NonConfirmable, id, dgram)
		if err == nil {
			err = req.Parse(dgram[:dn])
		}
		if err != nil {
			// A stream cannot skip a broken message.
			s.metrics.ObserveDrop(metrics.DropMalformed)
			sess.signal(coap.SignalAbort, nil)
			return mcerrors.New("parse", remote, err)
		}
		s.metrics.ObserveReceived(req.Type())

		code := req.Code()
		switch {
		case code.IsSignal():
			if err := s.handleSignal(sess, &req, remote); err != nil {
				if errors.Is(err, errAborted) {
					return nil
				}
				return err
			}
			continue
		case code == coap.Empty:
			continue
		case !code.IsRequest():
			s.metrics.ObserveDrop(metrics.DropUnexpected)
			continue
		}

		hctx = handler.Context{
			RemoteAddr: remote,
			Addr:       conn.RemoteAddr(),
			Sender:     sess,
		}
		var rn int
		err = s.metrics.ObserveRequest(code, func() (coap.Code, error) {
			var err error
			rn, err = s.dispatcher.Dispatch(connCtx, &hctx, &req, out)
			if rn == 0 {
				return 0, err
			}
			return coap.Code(out[1]), err
		})
		if err != nil {
			s.config.Logger.Debug("dispatch error",
				slog.String("client", remote),
				slog.String("path", hctx.Path),
				slog.String("error", err.Error()))
		}
		if rn == 0 {
			continue
		}
		if _, err := sess.WriteTo(out[:rn], nil); err != nil {
			return mcerrors.New("send", remote, err)
		}
		s.metrics.ObserveSent(coap.Type(out[0]>>4&0x03), coap.Code(out[1]))
	}
}

// handleSignal answers a signaling message. Release and Abort end the
// connection and are reported as errAborted.
func (s *Server) handleSignal(sess *session, req *coap.Message, remote string) error {
	switch req.Code() {
	case coap.SignalCSM:
		if v, err := req.Uint(coap.SignalMaxMessageSize); err == nil {
			s.config.Logger.Debug("peer capabilities",
				slog.String("client", remote),
				slog.Int("max_message_size", int(v)))
		}
		return nil
	case coap.SignalPing:
		if err := sess.signal(coap.SignalPong, req.Token()); err != nil {
			return mcerrors.New("pong", remote, err)
		}
		return nil
	case coap.SignalRelease, coap.SignalAbort:
		s.config.Logger.Debug("peer ended connection",
			slog.String("client", remote),
			slog.String("signal", req.Code().String()))
		return errAborted
	}
	return nil
}

// clientKey identifies a client for rate limiting by its host.
func clientKey(addr net.Addr) string {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
