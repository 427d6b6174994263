// Package server implements the TCP listener and per-connection loop for the
// EmberDB RESP protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/emberdb/emberdb/internal/command"
	"github.com/emberdb/emberdb/internal/metrics"
	"github.com/emberdb/emberdb/internal/protocol"
	"github.com/emberdb/emberdb/internal/store"
)

// readBufSize is the fixed per-read buffer. Frames larger than this are
// assembled across reads in the pending buffer.
const readBufSize = 4 * 1024

// Config holds server tuning knobs.
type Config struct {
	// MaxClients caps concurrent connections. 0 means unlimited.
	MaxClients int
	// RateLimit is the per-connection commands/second budget. 0 disables it.
	RateLimit int
	// ReadTimeout bounds a single read from a client. 0 disables it.
	ReadTimeout time.Duration
}

// Server accepts RESP connections and serves commands against one shared
// Store. Every connection handler holds the same Store handle; the Store's
// lock is the only cross-connection synchronization.
type Server struct {
	addr    string
	store   *store.Store
	exec    *command.Executor
	cfg     Config
	logger  hclog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// New creates a Server with default tuning.
func New(addr string, st *store.Store, logger hclog.Logger, m *metrics.Metrics) *Server {
	return NewWithConfig(addr, st, Config{}, logger, m)
}

// NewWithConfig creates a Server with the given tuning.
func NewWithConfig(addr string, st *store.Store, cfg Config, logger hclog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		addr:    addr,
		store:   st,
		exec:    command.NewExecutor(st),
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound listener address. Valid after Start has begun
// listening; used by tests binding port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until the context is cancelled or
// Close is called. Accept failures are logged and do not stop the loop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		if s.cfg.MaxClients > 0 && len(s.conns) >= s.cfg.MaxClients {
			s.mu.Unlock()
			s.logger.Warn("max clients reached, rejecting connection", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		connID := ulid.Make().String()
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				s.metrics.ConnectionsActive.Dec()
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
			}()
			s.handleConnection(ctx, c, connID)
		}(conn)
	}
}

// Close shuts the listener down, closes open connections and waits for their
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

// handleConnection runs the read-decode-execute-write loop for one client.
//
// Bytes are accumulated into a pending buffer and decoded frame by frame: an
// ErrIncomplete result means the client has not finished sending and more
// bytes are read; any other decode failure is a protocol error that closes
// only this connection. A reply is fully written before the next frame is
// taken, so replies on one connection are never reordered.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, connID string) {
	defer conn.Close()

	logger := s.logger.With("conn", connID, "remote", conn.RemoteAddr().String())
	logger.Debug("connection opened")

	writer := protocol.NewWriter(conn)

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimit)
	}

	pending := make([]byte, 0, readBufSize)
	chunk := make([]byte, readBufSize)

	for {
		// Drain every complete frame already buffered before reading again.
		for len(pending) > 0 {
			val, n, err := protocol.Decode(pending)
			if errors.Is(err, protocol.ErrIncomplete) {
				break
			}
			if err != nil {
				s.metrics.ProtocolErrors.Inc()
				logger.Debug("protocol error", "error", err)
				_ = writer.WriteError("protocol error")
				return
			}
			pending = pending[n:]

			cmd, err := command.Parse(val)
			if err != nil {
				s.metrics.CommandErrors.Inc()
				logger.Debug("malformed command", "error", err)
				_ = writer.WriteError("invalid command format")
				return
			}

			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}

			s.metrics.CommandsTotal.WithLabelValues(strings.ToUpper(cmd.Name)).Inc()
			if err := s.exec.Execute(writer, cmd); err != nil {
				logger.Debug("failed to write reply", "error", err)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				logger.Debug("failed to set read deadline", "error", err)
				return
			}
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read error", "error", err)
			}
			logger.Debug("connection closed")
			return
		}
	}
}
