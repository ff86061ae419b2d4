package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ledzpl/linechat/pkg/wire"
)

// Server owns the registry, the router and every live session. Connections
// reach it either through Serve or directly through HandleConn.
type Server struct {
	logger   *slog.Logger
	registry *Registry
	router   *Router
	metrics  *Metrics

	maxSessions  int
	writeTimeout time.Duration
	maxLineBytes int

	mu        sync.Mutex
	peers     map[*peer]struct{}
	listeners map[net.Listener]struct{}
	closed    bool
	workers   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxSessions caps concurrent connections; n <= 0 means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *Server) {
		s.maxSessions = n
	}
}

// WithWriteTimeout bounds each write to a recipient whose transport supports
// deadlines; d <= 0 disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithMaxLineBytes bounds the size of an incoming record.
func WithMaxLineBytes(n int) Option {
	return func(s *Server) {
		s.maxLineBytes = n
	}
}

// WithMetrics shares a metrics instance with the server.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewServer constructs a server with an empty registry.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       slog.Default(),
		registry:     NewRegistry(),
		metrics:      NewMetrics(),
		maxLineBytes: wire.DefaultMaxLineBytes,
		peers:        make(map[*peer]struct{}),
		listeners:    make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = NewRouter(s.registry, s.logger, s.metrics)
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router returns the message router.
func (s *Server) Router() *Router {
	return s.router
}

// Metrics returns the server counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Serve accepts connections from ln until ctx is cancelled, Shutdown is
// called, or Accept fails. Each connection is handled on its own goroutine;
// the loop never waits for a session.
//
// Serve returns ctx.Err() on cancellation, ErrServerClosed after Shutdown,
// and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		return errors.New("chat: listener required")
	}
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.forgetListener(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("listener close failed", "err", err)
			}
		case <-stop:
		}
	}()

	s.logger.Info("chat server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("chat: accept: %w", err)
		}

		s.metrics.ConnectionsAccepted.Add(1)
		s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		go s.HandleConn(conn, conn.RemoteAddr().String())
	}
}

// HandleConn runs the full lifecycle of one connection and returns when the
// session has been cleaned up. rwc is closed before HandleConn returns.
func (s *Server) HandleConn(rwc io.ReadWriteCloser, remote string) {
	p := newPeer(rwc, remote, s.writeTimeout, s.maxLineBytes)
	if err := s.trackPeer(p); err != nil {
		if errors.Is(err, ErrServerFull) {
			s.metrics.ConnectionsRejected.Add(1)
			s.logger.Warn("rejecting connection", "remote", remote, "reason", err)
			_ = p.Send(wire.NewSystem("server is full"))
		}
		_ = p.Close()
		return
	}
	defer s.forgetPeer(p)

	newSession(s, p).run()
}

// Shutdown stops every listener, closes every live connection so that each
// blocked read fails, and waits for the sessions to finish cleanup or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("chat server stopped", "sessions_closed", len(peers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) forgetListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// trackPeer admits p, or refuses it when the server is closed or full.
// Admission and the worker count change under the same lock Shutdown takes.
func (s *Server) trackPeer(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.maxSessions > 0 && len(s.peers) >= s.maxSessions {
		return ErrServerFull
	}
	s.peers[p] = struct{}{}
	s.workers.Add(1)
	return nil
}

func (s *Server) forgetPeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	s.workers.Done()
}
