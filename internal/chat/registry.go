package chat

import (
	"iter"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/ledzpl/linechat/pkg/wire"
)

// Member pairs a registered connection with the identity it claimed.
type Member struct {
	Conn Conn
	User wire.User
}

// Registry maps live connections to the usernames they claimed. Both
// directions are updated under one lock, so a username is owned by at most
// one connection and a connection owns at most one username.
type Registry struct {
	mu     sync.RWMutex
	byConn map[Conn]wire.User
	byName map[string]Conn
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[Conn]wire.User),
		byName: make(map[string]Conn),
	}
}

// Register claims user.Username for conn. Among concurrent callers claiming
// the same name exactly one succeeds; the others get ErrNameTaken.
func (r *Registry) Register(conn Conn, user wire.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[conn]; ok {
		return ErrAlreadyRegistered
	}
	if _, ok := r.byName[user.Username]; ok {
		return ErrNameTaken
	}
	r.byConn[conn] = user
	r.byName[user.Username] = conn
	return nil
}

// Unregister releases conn and its username. It reports the identity that
// was released, and false when conn was not registered.
func (r *Registry) Unregister(conn Conn) (wire.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byConn[conn]
	if !ok {
		return wire.User{}, false
	}
	delete(r.byConn, conn)
	delete(r.byName, user.Username)
	return user, true
}

// Lookup returns the identity registered for conn.
func (r *Registry) Lookup(conn Conn) (wire.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[conn]
	return user, ok
}

// Find returns the connection that currently owns username.
func (r *Registry) Find(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byName[username]
	return conn, ok
}

// Members returns a point-in-time copy of the membership.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapToSlice(r.byConn, func(conn Conn, user wire.User) Member {
		return Member{Conn: conn, User: user}
	})
}

// All iterates over a snapshot taken when iteration starts. Registrations
// and removals racing with the iteration are not reflected.
func (r *Registry) All() iter.Seq2[Conn, wire.User] {
	return func(yield func(Conn, wire.User) bool) {
		for _, m := range r.Members() {
			if !yield(m.Conn, m.User) {
				return
			}
		}
	}
}

// Usernames returns the registered usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := lo.Keys(r.byName)
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
