package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single record when no explicit limit is given.
const DefaultMaxLineBytes = 64 * 1024

var (
	// ErrMalformed is wrapped by a ProtocolError when a line is not a valid record.
	ErrMalformed = errors.New("wire: malformed record")

	// ErrLineTooLong is wrapped by a ProtocolError when a line exceeds the decoder limit.
	ErrLineTooLong = errors.New("wire: line too long")
)

// ProtocolError reports a line that could not be decoded. A stream that
// produced a ProtocolError must not be read from again.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("wire: protocol error: %v", e.Err)
	}
	return fmt.Sprintf("wire: protocol error: %v: %q", e.Err, truncate(e.Line, 64))
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Marshal encodes m as one line, trailing newline included.
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	// encoding/json escapes control characters, so a raw newline here means
	// the record would split into two lines.
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("wire: marshal: record contains a raw newline")
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a single line, without its trailing newline.
func Unmarshal(line []byte) (Message, error) {
	var m Message
	if len(bytes.TrimSpace(line)) == 0 {
		return m, &ProtocolError{Err: fmt.Errorf("%w: empty line", ErrMalformed)}
	}
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, &ProtocolError{Line: string(line), Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if !m.Kind.Valid() {
		return Message{}, &ProtocolError{Line: string(line), Err: fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Kind)}
	}
	return m, nil
}

// Encoder writes records to a stream, one Write call per record.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m followed by a newline. Encoder is not safe for concurrent use.
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// Decoder reads records from a stream.
type Decoder struct {
	scanner *bufio.Scanner
	failed  error
}

// NewDecoder returns a decoder reading from r. Lines longer than maxLineBytes
// produce a ProtocolError; a value <= 0 selects DefaultMaxLineBytes.
func NewDecoder(r io.Reader, maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	initial := 4096
	if maxLineBytes < initial {
		initial = maxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Decode consumes exactly one line and returns the record it holds.
//
// It returns io.EOF when the stream ended cleanly, a *ProtocolError when the
// line is not a valid record, or the underlying read error otherwise. Once an
// error has been returned every later call returns the same error.
func (d *Decoder) Decode() (Message, error) {
	if d.failed != nil {
		return Message{}, d.failed
	}
	if !d.scanner.Scan() {
		err := d.scanner.Err()
		switch {
		case err == nil:
			d.failed = io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			d.failed = &ProtocolError{Err: ErrLineTooLong}
		default:
			d.failed = fmt.Errorf("wire: read: %w", err)
		}
		return Message{}, d.failed
	}
	m, err := Unmarshal(d.scanner.Bytes())
	if err != nil {
		d.failed = err
		return Message{}, err
	}
	return m, nil
}
