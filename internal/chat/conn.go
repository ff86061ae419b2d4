//go:generate go run go.uber.org/mock/mockgen -source=conn.go -destination=mocks/mock_conn.go -package=mocks

package chat

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledzpl/linechat/pkg/wire"
)

// Conn is a live connection as seen by the registry and the router.
// Implementations must be comparable; pointer types are.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send writes one message to the remote side.
	Send(msg wire.Message) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// peer is the Conn backing one accepted stream. Reads happen only on the
// session's own goroutine; writes may come from any session routing a message.
type peer struct {
	id           string
	remote       string
	rwc          io.ReadWriteCloser
	dec          *wire.Decoder
	writeTimeout time.Duration

	mu  sync.Mutex
	enc *wire.Encoder

	closeOnce sync.Once
	closeErr  error
}

func newPeer(rwc io.ReadWriteCloser, remote string, writeTimeout time.Duration, maxLineBytes int) *peer {
	return &peer{
		id:           uuid.NewString(),
		remote:       remote,
		rwc:          rwc,
		dec:          wire.NewDecoder(rwc, maxLineBytes),
		enc:          wire.NewEncoder(rwc),
		writeTimeout: writeTimeout,
	}
}

func (p *peer) ID() string {
	return p.id
}

// Send encodes msg onto the stream. A failed write leaves the stream in an
// unknown framing state, so the connection is closed; its session then ends
// through the normal read-failure path.
func (p *peer) Send(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.rwc.(writeDeadliner); ok && p.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	}

	if err := p.enc.Encode(msg); err != nil {
		_ = p.Close()
		return err
	}
	return nil
}

// Close closes the underlying stream once, unblocking a pending read.
func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.rwc.Close()
	})
	return p.closeErr
}
