package sshserver

import "sync"

// inputLine is the line being typed at an interactive terminal. The reader
// edits it while the renderer redraws it under incoming messages.
type inputLine struct {
	mu    sync.RWMutex
	runes []rune
	limit int
}

func newInputLine(limit int) *inputLine {
	return &inputLine{
		runes: make([]rune, 0, 128),
		limit: limit,
	}
}

// Insert appends r and reports whether it fit under the limit.
func (l *inputLine) Insert(r rune) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.runes) >= l.limit {
		return false
	}
	l.runes = append(l.runes, r)
	return true
}

// Backspace removes the last rune and reports whether there was one.
func (l *inputLine) Backspace() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.runes)
	if n == 0 {
		return false
	}
	l.runes = l.runes[:n-1]
	return true
}

// Submit returns the line and starts a new one.
func (l *inputLine) Submit() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := string(l.runes)
	l.runes = l.runes[:0]
	return text
}

func (l *inputLine) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return string(l.runes)
}
