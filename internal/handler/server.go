// Package handler owns the device-facing TCP surface: the listener, the
// per-connection read loop, and the login state machine. It is the only
// package that touches device sockets; everything else addresses a
// device through its channel id.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dantte-lp/gogt06/internal/bus"
	"github.com/dantte-lp/gogt06/internal/config"
	gwmetrics "github.com/dantte-lp/gogt06/internal/metrics"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// Sentinel errors for command delivery.
var (
	// ErrChannelNotFound indicates no live connection owns the channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrCommandQueueFull indicates the connection's outbound command
	// channel is full.
	ErrCommandQueueFull = errors.New("connection command queue full")
)

// Connection close reasons, recorded on metrics and lifecycle records.
const (
	reasonEOF      = "eof"
	reasonTimeout  = "read_timeout"
	reasonProtocol = "protocol_violation"
	reasonWrite    = "write_failed"
	reasonRegistry = "registry_error"
	reasonReplaced = "replaced"
	reasonReaped   = "reaped"
	reasonShutdown = "shutdown"
)

// ReasonReaped is the close reason the idle reaper passes to
// CloseChannel. It selects the Reaped lifecycle event on the session
// stream.
const ReasonReaped = reasonReaped

// Server accepts GT06 device connections and tracks the live channel-id
// to connection mapping used for command routing and reaping.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	publisher *bus.Publisher
	metrics   *gwmetrics.Collector
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	wg sync.WaitGroup
}

// NewServer creates a Server. Run must be called to start accepting.
func NewServer(cfg *config.Config, reg *session.Registry, pub *bus.Publisher, m *gwmetrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		registry:  reg,
		publisher: pub,
		metrics:   m,
		logger:    logger.With(slog.String("component", "handler")),
		conns:     make(map[string]*Conn),
	}
}

// Run listens on the configured address and serves device connections
// until ctx is cancelled, then closes every connection and waits for
// their loops to drain.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen.Addr(), err)
	}
	s.logger.Info("device listener started", slog.String("addr", ln.Addr().String()))

	// Unblock Accept on shutdown.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept", slog.Any("error", err))
			continue
		}
		s.startConn(ctx, sock)
	}

	s.closeAll(reasonShutdown)
	s.wg.Wait()
	s.logger.Info("device listener stopped")
	return nil
}

// startConn registers a new connection and launches its serve loop.
func (s *Server) startConn(ctx context.Context, sock net.Conn) {
	c := newConn(s, sock, uuid.NewString())

	s.mu.Lock()
	s.conns[c.channelID] = c
	s.mu.Unlock()

	s.metrics.ConnOpened()
	s.logger.Debug("connection accepted",
		slog.String("channel_id", c.channelID),
		slog.String("remote_addr", sock.RemoteAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve(ctx)
	}()
}

// Serve handles one pre-established connection until it closes. Exposed
// for tests that drive the handler over a pipe; Run uses the same path.
func (s *Server) Serve(ctx context.Context, sock net.Conn) {
	c := newConn(s, sock, uuid.NewString())

	s.mu.Lock()
	s.conns[c.channelID] = c
	s.mu.Unlock()

	s.metrics.ConnOpened()
	c.serve(ctx)
}

// unregister drops the channel mapping once a connection is done.
func (s *Server) unregister(channelID string) {
	s.mu.Lock()
	delete(s.conns, channelID)
	s.mu.Unlock()
}

// lookup returns the live connection owning a channel.
func (s *Server) lookup(channelID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[channelID]
	return c, ok
}

// Deliver hands an online command to the connection owning channelID
// and waits for the write. Implements bus.Deliverer. Success means the
// command frame went out on the device socket.
func (s *Server) Deliver(channelID string, cmd *trackpb.CommandEvent) error {
	c, ok := s.lookup(channelID)
	if !ok {
		return fmt.Errorf("deliver %s: %w", channelID, ErrChannelNotFound)
	}
	return c.enqueueCommand(cmd)
}

// CloseChannel closes the connection owning channelID with the given
// reason. Returns false if no such connection is live. Used by the
// double-login path and the idle reaper.
func (s *Server) CloseChannel(channelID, reason string) bool {
	c, ok := s.lookup(channelID)
	if !ok {
		return false
	}
	c.closeWithReason(reason)
	return true
}

// closeAndWait closes the connection owning channelID and blocks until
// its teardown, including the lifecycle record enqueue, has finished.
// The double-login path relies on this so the replaced session's record
// is queued before the successor's Connected record.
func (s *Server) closeAndWait(channelID, reason string) bool {
	c, ok := s.lookup(channelID)
	if !ok {
		return false
	}
	c.closeWithReason(reason)
	<-c.finished
	return true
}

// closeAll closes every live connection.
func (s *Server) closeAll(reason string) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeWithReason(reason)
	}
}
