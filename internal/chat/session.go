package chat

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ledzpl/linechat/pkg/wire"
)

// State is the position of a connection in its lifecycle.
type State int

const (
	StateAccepted State = iota
	StateAwaitingLogin
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingLogin:
		return "awaiting-login"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session drives one connection from login to cleanup. It is owned by the
// goroutine that runs it.
type session struct {
	server *Server
	peer   *peer
	logger *slog.Logger

	state State
	user  wire.User

	cleanup sync.Once
}

func newSession(server *Server, p *peer) *session {
	return &session{
		server: server,
		peer:   p,
		logger: server.logger.With("conn", p.id, "remote", p.remote),
		state:  StateAccepted,
	}
}

func (s *session) run() {
	defer s.close()

	s.transition(StateAwaitingLogin)
	user, err := s.login()
	if err != nil {
		s.handleLoginError(err)
		return
	}

	s.user = user
	s.transition(StateActive)
	s.logger = s.logger.With("user", user.Username)
	s.server.metrics.ActiveSessions.Add(1)
	s.logger.Info("session joined")
	s.server.router.Announce(fmt.Sprintf("%s joined the chat", user.Username))

	if err := s.readLoop(); err != nil {
		s.handleReadError(err)
	}
}

// login reads exactly one record and claims the identity it carries.
func (s *session) login() (wire.User, error) {
	msg, err := s.peer.dec.Decode()
	if err != nil {
		return wire.User{}, err
	}
	if msg.Sender == nil {
		return wire.User{}, errNoIdentity
	}

	user := normalizeIdentity(*msg.Sender)
	if err := ValidateIdentity(user); err != nil {
		s.server.router.Reply(s.peer, fmt.Sprintf("invalid username: %s", reason(err)))
		return wire.User{}, err
	}
	if err := s.server.registry.Register(s.peer, user); err != nil {
		if errors.Is(err, ErrNameTaken) {
			s.server.router.Reply(s.peer, fmt.Sprintf("username %s is already taken", user.Username))
		}
		return wire.User{}, fmt.Errorf("register %q: %w", user.Username, err)
	}
	return user, nil
}

func (s *session) transition(to State) {
	s.logger.Debug("session state", "from", s.state, "to", to)
	s.state = to
}

func (s *session) readLoop() error {
	for {
		msg, err := s.peer.dec.Decode()
		if err != nil {
			return err
		}
		s.logger.Debug("received", "message", msg)
		s.server.router.Route(s.peer, msg)
	}
}

func (s *session) handleLoginError(err error) {
	var perr *wire.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Debug("connection closed before login")
		return
	case errors.Is(err, errNoIdentity):
		s.logger.Debug("login without sender, closing")
	case errors.As(err, &perr):
		s.server.metrics.ProtocolErrors.Add(1)
		s.logger.Warn("malformed login", "err", err)
	case errors.Is(err, ErrNameTaken), errors.Is(err, ErrInvalidIdentity):
		s.logger.Info("login rejected", "reason", err)
	default:
		s.logger.Warn("login failed", "err", err)
		return
	}
	s.server.metrics.LoginsRejected.Add(1)
}

func (s *session) handleReadError(err error) {
	var perr *wire.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Debug("connection closed by peer")
	case errors.As(err, &perr):
		s.server.metrics.ProtocolErrors.Add(1)
		s.logger.Warn("protocol error, closing session", "err", err)
	case errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed locally")
	default:
		s.logger.Warn("read failed", "err", err)
	}
}

// close releases the session exactly once: unregister, announce the
// departure if a session was established, then close the stream.
func (s *session) close() {
	s.cleanup.Do(func() {
		s.transition(StateClosed)
		if user, ok := s.server.registry.Unregister(s.peer); ok {
			s.server.metrics.ActiveSessions.Add(-1)
			s.logger.Info("session left")
			s.server.router.Announce(fmt.Sprintf("%s left the chat", user.Username))
		}
		_ = s.peer.Close()
	})
}

// reason strips the sentinel prefix from a validation error.
func reason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalidIdentity.Error()+": ")
}
