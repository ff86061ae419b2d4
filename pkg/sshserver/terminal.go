package sshserver

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ledzpl/linechat/pkg/wire"
)

const (
	seqClearLine = "\r\033[K"
	seqErase     = "\b \b"
	prompt       = "> "

	maxInputRunes = 4096

	keyInterrupt = 0x03 // Ctrl-C
	keyEOT       = 0x04 // Ctrl-D
	keyBackspace = 0x08
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

type escapeState int

const (
	escNone escapeState = iota
	escStart
	escCSI
)

// terminal lets a person with a plain SSH client take part in the chat. It
// edits keystrokes locally and submits each finished line as a chat record,
// and renders every record the server writes as a text line above the
// prompt. The first record read is the login for self.
type terminal struct {
	ch   io.ReadWriteCloser
	self wire.User
	line *inputLine

	// read side, owned by the session goroutine
	buf      []byte
	raw      []byte
	pending  []byte
	loggedIn bool
	escape   escapeState
	afterCR  bool
	stopped  error // returned once pending is drained

	// write side
	wmu     sync.Mutex
	partial []byte
}

func newTerminal(ch io.ReadWriteCloser, self wire.User) *terminal {
	return &terminal{
		ch:   ch,
		self: self,
		line: newInputLine(maxInputRunes),
		buf:  make([]byte, 256),
	}
}

func (t *terminal) Read(p []byte) (int, error) {
	for len(t.pending) == 0 {
		if t.stopped != nil {
			return 0, t.stopped
		}
		if !t.loggedIn {
			t.loggedIn = true
			if err := t.submit(""); err != nil {
				return 0, err
			}
			continue
		}

		n, err := t.ch.Read(t.buf)
		if n > 0 {
			t.raw = append(t.raw, t.buf[:n]...)
			if cerr := t.consume(); cerr != nil {
				t.stopped = cerr
				continue
			}
		}
		if err != nil {
			t.stopped = err
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// consume applies every complete rune in t.raw to the input line.
func (t *terminal) consume() error {
	for len(t.raw) > 0 && utf8.FullRune(t.raw) {
		r, size := utf8.DecodeRune(t.raw)
		t.raw = t.raw[size:]

		// CR LF is one newline, even when split across reads
		if r == '\n' && t.afterCR {
			t.afterCR = false
			continue
		}
		t.afterCR = r == '\r'

		switch t.escape {
		case escStart:
			t.escape = escNone
			if r == '[' {
				t.escape = escCSI
			}
			continue
		case escCSI:
			if r >= 0x40 && r <= 0x7e {
				t.escape = escNone
			}
			continue
		}

		switch r {
		case '\r', '\n':
			text := t.line.Submit()
			t.echo("\r\n")
			if strings.TrimSpace(text) != "" {
				if err := t.submit(text); err != nil {
					return err
				}
			}
			t.echo(prompt)
		case keyBackspace, keyDelete:
			if t.line.Backspace() {
				t.echo(seqErase)
			}
		case keyInterrupt, keyEOT:
			t.echo("\r\n")
			return io.EOF
		case keyEscape:
			t.escape = escStart
		default:
			if unicode.IsPrint(r) && t.line.Insert(r) {
				t.echo(string(r))
			}
		}
	}
	return nil
}

func (t *terminal) submit(content string) error {
	data, err := wire.Marshal(wire.NewChat(t.self, content))
	if err != nil {
		return err
	}
	t.pending = append(t.pending, data...)
	return nil
}

func (t *terminal) echo(s string) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, _ = io.WriteString(t.ch, s)
}

// Write renders each complete record in p. Lines that are not records are
// shown as they are.
func (t *terminal) Write(p []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return len(p), nil
		}
		record := t.partial[:i]
		t.partial = t.partial[i+1:]

		text := string(record)
		if msg, err := wire.Unmarshal(record); err == nil {
			text = renderMessage(msg)
		}
		if _, err := io.WriteString(t.ch, seqClearLine+text+"\r\n"+prompt+t.line.String()); err != nil {
			return 0, err
		}
	}
}

func (t *terminal) Close() error {
	return t.ch.Close()
}

func renderMessage(msg wire.Message) string {
	var marker string
	if msg.Kind == wire.KindPrivate {
		marker = "(private) "
	}
	content := strings.ReplaceAll(msg.Content, "\n", "\r\n")
	return fmt.Sprintf("[%s] [%s] %s%s", msg.Time().Format(time.TimeOnly), msg.SenderName(), marker, content)
}
