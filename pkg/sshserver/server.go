// Package sshserver carries chat streams over SSH. A session channel started
// without a pty is handed to a Handler as a plain byte stream, so the chat
// line protocol runs unchanged inside it; one started with a pty is wrapped
// in an interactive terminal.
package sshserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/linechat/pkg/wire"
)

// Handler serves one stream. It owns rwc and must close it before returning.
type Handler func(rwc io.ReadWriteCloser, remote string)

// Server wraps the SSH listener lifecycle.
type Server struct {
	Addr   string
	Config *ssh.ServerConfig

	handler Handler
	logger  *slog.Logger
}

// New creates a Server presenting signer as its host key. Clients are not
// authenticated; the chat login decides who they are.
func New(addr string, signer ssh.Signer, handler Handler, logger *slog.Logger) *Server {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Addr:    addr,
		Config:  cfg,
		handler: handler,
		logger:  logger.With("transport", "ssh"),
	}
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled or
// accepting fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts SSH connections from ln. It returns ctx.Err() once ctx is
// cancelled and the accept error otherwise. Live connections are closed when
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.handler == nil {
		return errors.New("sshserver: session handler required")
	}
	defer ln.Close()

	shutdown := make(chan struct{})
	defer close(shutdown)

	go func() {
		select {
		case <-ctx.Done():
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("listener close failed", "err", err)
			}
		case <-shutdown:
		}
	}()

	s.logger.Info("ssh server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sshserver: accept: %w", err)
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, tcpConn net.Conn) {
	defer tcpConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.Config)
	if err != nil {
		s.logger.Debug("handshake failed", "remote", tcpConn.RemoteAddr().String(), "err", err)
		return
	}
	defer sshConn.Close()

	remote := "ssh://" + sshConn.RemoteAddr().String()
	s.logger.Debug("connection established", "remote", remote, "client", string(sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-ctx.Done():
			return
		case newChannel, ok := <-chans:
			if !ok {
				return
			}
			if newChannel.ChannelType() != "session" {
				_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
				continue
			}

			channel, requests, err := newChannel.Accept()
			if err != nil {
				s.logger.Warn("channel accept failed", "remote", remote, "err", err)
				continue
			}

			go s.serveSession(sshConn, channel, requests, remote)
		}
	}
}

// serveSession waits for the client to start a shell, exec or subsystem and
// then hands the channel to the handler. A channel that asked for a pty gets
// an interactive terminal logged in as the SSH user; any other channel carries
// raw protocol records.
func (s *Server) serveSession(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request, remote string) {
	start := make(chan bool, 1)
	go func() {
		interactive, started := false, false
		for req := range requests {
			ok, begins := false, false
			switch req.Type {
			case "pty-req":
				interactive, ok = true, true
			case "env", "window-change":
				ok = true
			case "shell", "exec", "subsystem":
				ok, begins = !started, !started
			}
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}
			if begins {
				started = true
				start <- interactive
			}
		}
		if !started {
			close(start)
		}
	}()

	interactive, ok := <-start
	if !ok {
		_ = channel.Close()
		return
	}
	if !interactive {
		s.handler(channel, remote)
		return
	}

	self := wire.User{
		ID:       "ssh-" + hex.EncodeToString(conn.SessionID()[:8]),
		Username: conn.User(),
	}
	s.logger.Debug("interactive session", "remote", remote, "user", self.Username)
	s.handler(newTerminal(channel, self), remote)
}
