// Package wire implements the line-delimited JSON record format shared by the
// chat server and its clients. One record is one line.
package wire

import (
	"fmt"
	"time"
)

// Kind tags a record with how it was routed.
type Kind string

const (
	KindChat    Kind = "chat"
	KindPrivate Kind = "private"
	KindSystem  Kind = "system"
)

// Valid reports whether k is a kind this package knows how to carry.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindPrivate, KindSystem:
		return true
	default:
		return false
	}
}

// User is the identity a client claims when it logs in.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (u User) String() string {
	return fmt.Sprintf("%s (%s)", u.Username, u.ID)
}

// SystemUser is the reserved sender of every server-generated message.
var SystemUser = User{ID: "system", Username: "System"}

// Message is a single chat record.
type Message struct {
	Kind      Kind   `json:"type"`
	Sender    *User  `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time in milliseconds.
func NewMessage(kind Kind, sender *User, content string) Message {
	return Message{
		Kind:      kind,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewChat builds a chat message from sender.
func NewChat(sender User, content string) Message {
	return NewMessage(KindChat, &sender, content)
}

// NewSystem builds a message sent on behalf of the server.
func NewSystem(content string) Message {
	sender := SystemUser
	return NewMessage(KindSystem, &sender, content)
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SenderName returns the sender's username, or an empty string when the
// record carries no sender.
func (m Message) SenderName() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.Username
}

func (m Message) String() string {
	return fmt.Sprintf("Message{type=%s, sender=%q, content=%q, timestamp=%d}", m.Kind, m.SenderName(), m.Content, m.Timestamp)
}
