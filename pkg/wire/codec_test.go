package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalProducesOneLine(t *testing.T) {
	req := require.New(t)
	alice := User{ID: "001", Username: "Alice"}

	data, err := Marshal(Message{Kind: KindChat, Sender: &alice, Content: "multi\nline\r\ncontent", Timestamp: 42})
	req.NoError(err)
	req.Equal(1, bytes.Count(data, []byte{'\n'}))
	req.True(bytes.HasSuffix(data, []byte{'\n'}))
	req.JSONEq(`{"type":"chat","sender":{"id":"001","username":"Alice"},"content":"multi\nline\r\ncontent","timestamp":42}`, string(data[:len(data)-1]))
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	req := require.New(t)
	alice := User{ID: "001", Username: "Alice"}
	messages := []Message{
		{Kind: KindChat, Sender: &alice, Content: "你好，Bob！", Timestamp: 1700000000123},
		{Kind: KindPrivate, Sender: &alice, Content: "hello", Timestamp: 1},
		{Kind: KindSystem, Sender: &SystemUser, Content: "Alice joined the chat", Timestamp: 2},
		{Kind: KindChat, Sender: nil, Content: "", Timestamp: 0},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range messages {
		req.NoError(enc.Encode(m))
	}

	dec := NewDecoder(&buf, 0)
	for _, want := range messages {
		got, err := dec.Decode()
		req.NoError(err)
		req.Equal(want, got)
	}

	_, err := dec.Decode()
	req.ErrorIs(err, io.EOF)
}

func TestEncodeOfDecodedLinePreservesFields(t *testing.T) {
	req := require.New(t)
	line := `{"timestamp":99,"content":"hi there","sender":{"username":"Bob","id":"002"},"type":"private"}`

	m, err := Unmarshal([]byte(line))
	req.NoError(err)

	data, err := Marshal(m)
	req.NoError(err)
	req.JSONEq(line, strings.TrimSuffix(string(data), "\n"))
}

func TestDecodeEndOfStreamIsNotAnError(t *testing.T) {
	req := require.New(t)
	dec := NewDecoder(strings.NewReader(""), 0)

	_, err := dec.Decode()
	req.ErrorIs(err, io.EOF)

	var perr *ProtocolError
	req.False(errors.As(err, &perr))
}

func TestDecodeLastLineWithoutNewline(t *testing.T) {
	req := require.New(t)
	dec := NewDecoder(strings.NewReader(`{"type":"chat","sender":null,"content":"x","timestamp":5}`), 0)

	m, err := dec.Decode()
	req.NoError(err)
	req.Nil(m.Sender)
	req.Equal("x", m.Content)

	_, err = dec.Decode()
	req.ErrorIs(err, io.EOF)
}

func TestDecodeMalformedLines(t *testing.T) {
	cases := map[string]string{
		"not json":     "hello world\n",
		"empty line":   "\n",
		"unknown type": `{"type":"shout","content":"x","timestamp":1}` + "\n",
		"missing type": `{"content":"x","timestamp":1}` + "\n",
		"json null":    "null\n",
		"array":        "[1,2,3]\n",
		"trailing":     `{"type":"chat","content":"x","timestamp":1} {}` + "\n",
		"bad field":    `{"type":"chat","content":5,"timestamp":1}` + "\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			dec := NewDecoder(strings.NewReader(input+`{"type":"chat","content":"after","timestamp":1}`+"\n"), 0)

			_, err := dec.Decode()
			var perr *ProtocolError
			req.ErrorAs(err, &perr)
			req.ErrorIs(err, ErrMalformed)

			// fail-fast: the decoder does not resynchronise on the next line
			_, again := dec.Decode()
			req.Equal(err, again)
		})
	}
}

func TestDecodeLineTooLong(t *testing.T) {
	req := require.New(t)
	long := `{"type":"chat","content":"` + strings.Repeat("a", 1024) + `","timestamp":1}` + "\n"
	dec := NewDecoder(strings.NewReader(long), 256)

	_, err := dec.Decode()
	req.ErrorIs(err, ErrLineTooLong)
	var perr *ProtocolError
	req.ErrorAs(err, &perr)
}

func TestDecodeConsumesOneLinePerCall(t *testing.T) {
	req := require.New(t)
	input := `{"type":"chat","content":"one","timestamp":1}` + "\r\n" +
		`{"type":"chat","content":"two","timestamp":2}` + "\n"
	dec := NewDecoder(strings.NewReader(input), 0)

	first, err := dec.Decode()
	req.NoError(err)
	req.Equal("one", first.Content)

	second, err := dec.Decode()
	req.NoError(err)
	req.Equal("two", second.Content)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDecodeReadErrorIsReturned(t *testing.T) {
	req := require.New(t)
	boom := errors.New("connection reset")
	dec := NewDecoder(failingReader{boom}, 0)

	_, err := dec.Decode()
	req.ErrorIs(err, boom)
	req.NotErrorIs(err, io.EOF)
}

func TestNewSystemUsesReservedSender(t *testing.T) {
	req := require.New(t)
	m := NewSystem("hello")

	req.Equal(KindSystem, m.Kind)
	req.Equal(SystemUser, *m.Sender)
	req.NotZero(m.Timestamp)
	req.Equal("System", m.SenderName())
}
