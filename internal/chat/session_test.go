package chat

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledzpl/linechat/pkg/wire"
)

const waitTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(append([]Option{WithLogger(discardLogger())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// testClient is the remote end of one connection. A background reader pumps
// every decoded record into msgs so that server writes never block on it.
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *wire.Encoder
	msgs chan wire.Message
	self wire.User
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	c := &testClient{
		t:    t,
		conn: conn,
		enc:  wire.NewEncoder(conn),
		msgs: make(chan wire.Message, 64),
	}
	go func() {
		defer close(c.msgs)
		dec := wire.NewDecoder(conn, 0)
		for {
			m, err := dec.Decode()
			if err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// connect attaches a new in-memory connection to srv.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go srv.HandleConn(server, "pipe")
	return newTestClient(t, client)
}

// join connects, logs in as name and consumes the client's own join notice.
func join(t *testing.T, srv *Server, name string) *testClient {
	t.Helper()
	c := connect(t, srv)
	c.login(name)
	c.expectSystem(name + " joined the chat")
	return c
}

func (c *testClient) login(name string) {
	c.t.Helper()
	c.self = user(name)
	c.sendMessage(wire.NewChat(c.self, ""))
}

func (c *testClient) send(content string) {
	c.t.Helper()
	c.sendMessage(wire.NewChat(c.self, content))
}

func (c *testClient) sendMessage(m wire.Message) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(m))
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) expect() wire.Message {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed while waiting for a message")
		}
		return m
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for a message")
	}
	return wire.Message{}
}

func (c *testClient) expectSystem(content string) {
	c.t.Helper()
	m := c.expect()
	require.Equal(c.t, wire.KindSystem, m.Kind)
	require.Equal(c.t, content, m.Content)
}

func (c *testClient) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if ok {
			c.t.Fatalf("unexpected message: %s", m)
		}
	case <-time.After(d):
	}
}

// expectClosed waits for the server to close the connection, discarding
// anything still in flight.
func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
		}
	}
}

func TestSessionJoinAndLeaveAreAnnounced(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expectSystem("bob joined the chat")
	req.Equal(2, srv.Registry().Len())
	req.EqualValues(2, srv.Metrics().ActiveSessions.Load())

	bob.close()
	alice.expectSystem("bob left the chat")
	req.Eventually(func() bool { return srv.Registry().Len() == 1 }, waitTimeout, 10*time.Millisecond)
	req.EqualValues(1, srv.Metrics().ActiveSessions.Load())
}

func TestSessionBroadcastEndToEnd(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expectSystem("bob joined the chat")

	alice.send("hello bob")
	got := bob.expect()
	req.Equal(wire.KindChat, got.Kind)
	req.Equal("hello bob", got.Content)
	req.Equal("alice", got.SenderName())
	alice.expectNone(100 * time.Millisecond)
}

func TestSessionDuplicateNameIsRejected(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := join(t, srv, "alice")

	impostor := connect(t, srv)
	impostor.login("alice")
	impostor.expectSystem("username alice is already taken")
	impostor.expectClosed()

	// a rejected login never became a session, so nobody hears it leave
	alice.expectNone(100 * time.Millisecond)
	req.Equal(1, srv.Registry().Len())
	req.Eventually(func() bool { return srv.Metrics().LoginsRejected.Load() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestSessionLoginWithoutSenderIsClosed(t *testing.T) {
	srv := newTestServer(t)
	watcher := join(t, srv, "watcher")

	c := connect(t, srv)
	c.sendMessage(wire.NewMessage(wire.KindChat, nil, "hello"))
	c.expectClosed()

	watcher.expectNone(100 * time.Millisecond)
	require.Equal(t, 1, srv.Registry().Len())
}

func TestSessionInvalidUsernameIsRejected(t *testing.T) {
	srv := newTestServer(t)

	c := connect(t, srv)
	c.login("bad name")
	c.expectSystem("invalid username: username must not contain spaces or start with @ or /")
	c.expectClosed()
	require.Zero(t, srv.Registry().Len())
}

func TestSessionSystemIdentityIsRefused(t *testing.T) {
	srv := newTestServer(t)
	alice := join(t, srv, "alice")

	impostor := connect(t, srv)
	impostor.sendMessage(wire.NewChat(wire.SystemUser, ""))
	impostor.expectSystem("invalid username: username is reserved")
	impostor.expectClosed()

	alice.expectNone(100 * time.Millisecond)
	require.Equal(t, []string{"alice"}, srv.Registry().Usernames())
}

func TestSessionMissingIDFallsBackToUsername(t *testing.T) {
	srv := newTestServer(t)

	c := connect(t, srv)
	c.sendMessage(wire.NewMessage(wire.KindChat, &wire.User{Username: "dora"}, ""))
	c.expectSystem("dora joined the chat")

	for _, u := range srv.Registry().Members() {
		require.Equal(t, wire.User{ID: "dora", Username: "dora"}, u.User)
	}
}

func TestSessionMalformedLineEndsSession(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expectSystem("bob joined the chat")

	_, err := bob.conn.Write([]byte("this is not json\n"))
	req.NoError(err)
	bob.expectClosed()

	alice.expectSystem("bob left the chat")
	req.Eventually(func() bool { return srv.Metrics().ProtocolErrors.Load() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestSessionMalformedLoginIsClosed(t *testing.T) {
	srv := newTestServer(t)

	c := connect(t, srv)
	_, err := c.conn.Write([]byte("{\"type\":\"chat\"\n"))
	require.NoError(t, err)
	c.expectClosed()
	require.Eventually(t, func() bool { return srv.Metrics().LoginsRejected.Load() == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestSessionPrivateMessageAndListEndToEnd(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	alice.expectSystem("bob joined the chat")
	carol := join(t, srv, "carol")
	alice.expectSystem("carol joined the chat")
	bob.expectSystem("carol joined the chat")

	alice.send("@bob hi there")
	for _, c := range []*testClient{bob, alice} {
		got := c.expect()
		req.Equal(wire.KindPrivate, got.Kind)
		req.Equal("hi there", got.Content)
		req.Equal("alice", got.SenderName())
	}
	carol.expectNone(100 * time.Millisecond)

	alice.send("@dave are you there")
	alice.expectSystem("user dave is not online")

	bob.send("/list")
	bob.expectSystem("alice\nbob\ncarol")
	alice.expectNone(50 * time.Millisecond)
}

func TestSessionNameIsReusableAfterLeaving(t *testing.T) {
	srv := newTestServer(t)

	first := join(t, srv, "alice")
	first.close()
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, waitTimeout, 10*time.Millisecond)

	join(t, srv, "alice")
	require.Equal(t, 1, srv.Registry().Len())
}

func TestSessionStateString(t *testing.T) {
	req := require.New(t)
	req.Equal("accepted", StateAccepted.String())
	req.Equal("awaiting-login", StateAwaitingLogin.String())
	req.Equal("active", StateActive.String())
	req.Equal("closed", StateClosed.String())
	req.Equal("state(9)", State(9).String())
}

func TestPeerSendTimesOutAndCloses(t *testing.T) {
	req := require.New(t)
	server, client := net.Pipe()
	defer client.Close()

	p := newPeer(server, "pipe", 20*time.Millisecond, 0)
	err := p.Send(wire.NewSystem("nobody is reading"))
	req.Error(err)

	// the peer closed its end, so the other side sees end of stream
	_, err = client.Read(make([]byte, 1))
	req.ErrorIs(err, io.EOF)
}
