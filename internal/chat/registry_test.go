package chat

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledzpl/linechat/pkg/wire"
)

type recordingConn struct {
	id string

	mu       sync.Mutex
	received []wire.Message
	err      error
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *recordingConn) messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Message(nil), c.received...)
}

func user(name string) wire.User {
	return wire.User{ID: "id-" + name, Username: name}
}

func TestRegistryConcurrentClaimsOfSameName(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	const contenders = 64
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, contenders)
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs <- registry.Register(newRecordingConn(fmt.Sprintf("c%d", i)), user("alice"))
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		req.ErrorIs(err, ErrNameTaken)
	}
	req.Equal(1, succeeded)
	req.Equal(1, registry.Len())
	req.Equal([]string{"alice"}, registry.Usernames())
}

func TestRegistryRejectsSecondClaimBySameConnection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	conn := newRecordingConn("c1")

	req.NoError(registry.Register(conn, user("alice")))
	req.ErrorIs(registry.Register(conn, user("bob")), ErrAlreadyRegistered)

	_, ok := registry.Find("bob")
	req.False(ok)
}

func TestRegistryUnregisterIsIdempotentAndFreesName(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	first := newRecordingConn("c1")

	_, ok := registry.Unregister(first)
	req.False(ok, "unregistering an unknown connection is a no-op")

	req.NoError(registry.Register(first, user("alice")))
	released, ok := registry.Unregister(first)
	req.True(ok)
	req.Equal(user("alice"), released)

	_, ok = registry.Unregister(first)
	req.False(ok)

	second := newRecordingConn("c2")
	req.NoError(registry.Register(second, user("alice")))
	found, ok := registry.Find("alice")
	req.True(ok)
	req.Equal(Conn(second), found)
}

func TestRegistryLookupAndFind(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice, bob := newRecordingConn("a"), newRecordingConn("b")
	req.NoError(registry.Register(alice, user("alice")))
	req.NoError(registry.Register(bob, user("bob")))

	got, ok := registry.Lookup(bob)
	req.True(ok)
	req.Equal("bob", got.Username)

	conn, ok := registry.Find("alice")
	req.True(ok)
	req.Equal(Conn(alice), conn)

	_, ok = registry.Find("carol")
	req.False(ok)

	_, ok = registry.Find("Alice")
	req.False(ok, "usernames are matched exactly")
}

func TestRegistrySnapshotIsStableDuringIteration(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		req.NoError(registry.Register(newRecordingConn(name), user(name)))
	}

	seen := map[string]bool{}
	for conn, u := range registry.All() {
		// mutating while iterating neither deadlocks nor changes the snapshot
		registry.Unregister(conn)
		seen[u.Username] = true
	}
	req.Equal(map[string]bool{"alice": true, "bob": true, "carol": true}, seen)
	req.Zero(registry.Len())
}

func TestRegistryUsernamesSorted(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		req.NoError(registry.Register(newRecordingConn(name), user(name)))
	}
	req.Equal([]string{"alice", "bob", "carol"}, registry.Usernames())
	req.Len(registry.Members(), 3)
}

func TestRegistryConcurrentRegisterUnregister(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newRecordingConn(fmt.Sprintf("c%d", i))
			name := fmt.Sprintf("user%d", i%8)
			for j := 0; j < 50; j++ {
				err := registry.Register(conn, user(name))
				if err != nil && !errors.Is(err, ErrNameTaken) {
					t.Errorf("unexpected register error: %v", err)
				}
				_ = registry.Usernames()
				registry.Unregister(conn)
			}
		}(i)
	}
	wg.Wait()

	req.Zero(registry.Len())
	req.Empty(registry.Usernames())
}
