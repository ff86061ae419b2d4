package client

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gookit/color"

	"github.com/ledzpl/linechat/pkg/wire"
)

// LineReader reads input lines from a stream, normally stdin.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader returns an Input reading lines from r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{scanner: bufio.NewScanner(r)}
}

func (l *LineReader) ReadLine() (string, error) {
	if l.scanner.Scan() {
		return l.scanner.Text(), nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

var defaultPalette = []color.Color{
	color.FgRed,
	color.FgGreen,
	color.FgYellow,
	color.FgBlue,
	color.FgMagenta,
	color.FgCyan,
}

// colorPicker hands out a display color the first time a username is seen
// and keeps it for the rest of the run.
type colorPicker struct {
	palette  []color.Color
	rng      *rand.Rand
	assigned map[string]color.Color
}

func newColorPicker(palette []color.Color) *colorPicker {
	return &colorPicker{
		palette:  append([]color.Color(nil), palette...),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		assigned: make(map[string]color.Color),
	}
}

func (p *colorPicker) pick(username string) color.Color {
	if c, ok := p.assigned[username]; ok {
		return c
	}
	c := p.palette[p.rng.Intn(len(p.palette))]
	p.assigned[username] = c
	return c
}

// Console renders messages as "[HH:MM:SS] [username] content" lines.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	colors  *colorPicker
	noColor bool
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithoutColor renders plain text.
func WithoutColor() ConsoleOption {
	return func(c *Console) {
		c.noColor = true
	}
}

// NewConsole returns a Display writing to w.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{
		w:      w,
		colors: newColorPicker(defaultPalette),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Console) Show(msg wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, c.format(msg))
}

func (c *Console) Status(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.noColor {
		text = color.New(color.FgGray, color.OpItalic).Render(text)
	}
	fmt.Fprintln(c.w, "-- "+text)
}

func (c *Console) format(msg wire.Message) string {
	stamp := msg.Time().Format(time.TimeOnly)
	name := msg.SenderName()
	if name == "" {
		name = "?"
	}

	var marker string
	if msg.Kind == wire.KindPrivate {
		marker = "(private) "
	}

	if c.noColor {
		return fmt.Sprintf("[%s] [%s] %s%s", stamp, name, marker, msg.Content)
	}

	label := c.colors.pick(name).Render(name)
	content := msg.Content
	if msg.Kind == wire.KindSystem {
		label = color.New(color.FgYellow, color.OpBold).Render(name)
		content = color.FgYellow.Render(content)
	}
	return fmt.Sprintf("[%s] [%s] %s%s", stamp, label, marker, content)
}
