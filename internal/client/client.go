// Package client implements the console side of the chat protocol: it logs
// in, relays typed lines to the server and renders whatever comes back.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ledzpl/linechat/pkg/wire"
)

// ExitCommand ends the session when typed on its own line, in any case.
const ExitCommand = "exit"

// Input yields one outgoing line per call. io.EOF ends the input.
type Input interface {
	ReadLine() (string, error)
}

// Display renders incoming messages and client status notes.
type Display interface {
	Show(msg wire.Message)
	Status(text string)
}

// DialFunc opens the connection to the server.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client is one user's connection to a chat server.
type Client struct {
	addr         string
	self         wire.User
	logger       *slog.Logger
	dial         DialFunc
	maxLineBytes int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithMaxLineBytes bounds the size of a record read from the server.
func WithMaxLineBytes(n int) Option {
	return func(c *Client) {
		c.maxLineBytes = n
	}
}

// New creates a client that logs in to addr as self. An empty self.ID is
// replaced with a fresh UUID.
func New(addr string, self wire.User, opts ...Option) (*Client, error) {
	if strings.TrimSpace(self.Username) == "" {
		return nil, errors.New("client: username required")
	}
	if self.ID == "" {
		self.ID = uuid.NewString()
	}

	var d net.Dialer
	c := &Client{
		addr:   addr,
		self:   self,
		logger: slog.Default(),
		dial:   d.DialContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Self returns the identity the client logs in with.
func (c *Client) Self() wire.User {
	return c.self
}

// Run connects, logs in, then relays lines from in and renders incoming
// messages on out. It returns nil when the user types exit, input ends or
// the server closes the connection, and ctx.Err() when ctx is cancelled.
func (c *Client) Run(ctx context.Context, in Input, out Display) error {
	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.addr, err)
	}

	var closing atomic.Bool
	hangUp := func() {
		closing.Store(true)
		_ = conn.Close()
	}
	defer hangUp()

	enc := wire.NewEncoder(conn)
	if err := enc.Encode(wire.NewChat(c.self, "")); err != nil {
		return fmt.Errorf("client: login: %w", err)
	}
	c.logger.Info("connected", "addr", c.addr, "user", c.self.Username)
	out.Status(fmt.Sprintf("connected to %s as %s, type %q to quit", c.addr, c.self.Username, ExitCommand))

	received := make(chan error, 1)
	go func() {
		received <- c.receive(conn, out, &closing)
	}()

	// The input goroutine may stay blocked on a console read after Run
	// returns; its result channel is buffered so it never leaks a send.
	sent := make(chan error, 1)
	go func() {
		sent <- c.send(enc, in)
	}()

	select {
	case err := <-received:
		return err
	case err := <-sent:
		hangUp()
		<-received
		return err
	case <-ctx.Done():
		hangUp()
		<-received
		return ctx.Err()
	}
}

func (c *Client) send(enc *wire.Encoder, in Input) error {
	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			c.logger.Debug("input closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("client: read input: %w", err)
		}

		text := strings.TrimSpace(line)
		if strings.EqualFold(text, ExitCommand) {
			c.logger.Debug("exit requested")
			return nil
		}
		if text == "" {
			continue
		}

		if err := enc.Encode(wire.NewChat(c.self, line)); err != nil {
			return fmt.Errorf("client: send: %w", err)
		}
		c.logger.Debug("sent", "content", line)
	}
}

func (c *Client) receive(conn net.Conn, out Display, closing *atomic.Bool) error {
	dec := wire.NewDecoder(conn, c.maxLineBytes)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if closing.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("server closed the connection")
				out.Status("server closed the connection")
				return nil
			}
			return fmt.Errorf("client: receive: %w", err)
		}
		c.logger.Debug("received", "message", msg)
		out.Show(msg)
	}
}
