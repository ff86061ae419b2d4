package chat

import "errors"

var (
	// ErrNameTaken is returned by Registry.Register when another live session
	// already claimed the username.
	ErrNameTaken = errors.New("chat: username already taken")

	// ErrAlreadyRegistered is returned by Registry.Register for a connection
	// that already has a session.
	ErrAlreadyRegistered = errors.New("chat: connection already registered")

	// ErrInvalidIdentity wraps the reason a login identity was refused.
	ErrInvalidIdentity = errors.New("chat: invalid identity")

	// ErrServerClosed is returned once Shutdown has been called.
	ErrServerClosed = errors.New("chat: server closed")

	// ErrServerFull is returned when the session limit is reached.
	ErrServerFull = errors.New("chat: server full")

	errNoIdentity = errors.New("chat: login carries no sender")
)
