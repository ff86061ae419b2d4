// Package wsserver carries chat streams over WebSocket. Each text message is
// one line of the chat protocol, so browser clients speak the same records as
// TCP clients.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Path is where the WebSocket endpoint is mounted by ListenAndServe.
const Path = "/ws"

const shutdownTimeout = 5 * time.Second

// Handler serves one stream. It owns rwc and must close it before returning.
type Handler func(rwc io.ReadWriteCloser, remote string)

// Server upgrades HTTP requests and hands each connection to a Handler.
type Server struct {
	Addr string

	handler   Handler
	logger    *slog.Logger
	origins   []string
	allowAll  bool
	readLimit int64
	upgrader  websocket.Upgrader
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

// WithAllowedOrigins restricts upgrades to requests whose Origin header
// matches one of origins. "*" or an empty list allows every origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins, s.allowAll = normalizeOrigins(origins)
	}
}

// WithReadLimit bounds the size of one incoming message.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

// New creates a Server listening on addr when started with ListenAndServe.
func New(addr string, handler Handler, opts ...Option) *Server {
	s := &Server{
		Addr:      addr,
		handler:   handler,
		logger:    slog.Default(),
		allowAll:  true,
		readLimit: 64 * 1024,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With("transport", "websocket")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	s.handler(newStream(conn), "ws://"+r.RemoteAddr)
}

// ListenAndServe serves Path on s.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves Path on ln until ctx is cancelled, then returns ctx.Err().
// Upgraded connections are not tracked by the HTTP server; their handler
// is responsible for closing them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.handler == nil {
		return errors.New("wsserver: handler required")
	}

	mux := http.NewServeMux()
	mux.Handle(Path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", "addr", ln.Addr().String(), "path", Path)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("wsserver: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown failed", "err", err)
	}
	return ctx.Err()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowAll {
		return true
	}
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if ok && lo.Contains(s.origins, origin) {
		return true
	}
	s.logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

func normalizeOrigins(origins []string) ([]string, bool) {
	trimmed := lo.Compact(lo.Map(origins, func(o string, _ int) string {
		return strings.TrimSpace(o)
	}))
	if len(trimmed) == 0 || lo.Contains(trimmed, "*") {
		return nil, true
	}
	return lo.FilterMap(trimmed, func(o string, _ int) (string, bool) {
		return normalizeOrigin(o)
	}), false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
