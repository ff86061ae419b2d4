package wsserver

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// stream adapts a WebSocket connection to a line-oriented byte stream: every
// incoming message reads as one line and every written line is sent as one
// text message.
type stream struct {
	conn *websocket.Conn

	pending []byte // unread part of the current incoming message

	wmu     sync.Mutex
	partial []byte // written bytes not yet terminated by a newline

	closeOnce sync.Once
	closeErr  error
}

func newStream(conn *websocket.Conn) *stream {
	return &stream{conn: conn}
}

// Read is not safe for concurrent use; the chat session is its only reader.
func (s *stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return 0, io.EOF
			}
			return 0, err
		}
		data = bytes.TrimRight(data, "\r\n")
		s.pending = append(data, '\n')
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := s.partial[:i]
		if err := s.conn.WriteMessage(websocket.TextMessage, line); err != nil {
			s.partial = nil
			return 0, err
		}
		s.partial = s.partial[i+1:]
	}
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close sends a normal closure frame, then closes the connection.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
