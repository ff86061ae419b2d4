package chat

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledzpl/linechat/pkg/wire"
)

const (
	commandPrefix = "/"
	privatePrefix = "@"

	privateFormatError = "private message format error, use @username message"
)

type commandFunc func(r *Router, from Conn, args []string)

var commands = map[string]commandFunc{
	"/list": (*Router).listUsers,
}

// Router dispatches each incoming message to broadcast, private delivery or
// command handling, and delivers server-generated messages.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
}

// NewRouter creates a router over registry. A nil logger selects
// slog.Default and nil metrics a private counter set.
func NewRouter(registry *Registry, logger *slog.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Router{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Route handles one message read from a registered connection. The sender
// is always the identity registered for from, whatever the record claimed.
func (r *Router) Route(from Conn, msg wire.Message) {
	sender, ok := r.registry.Lookup(from)
	if !ok {
		r.logger.Debug("dropping message from unregistered connection", "conn", from.ID())
		return
	}
	msg.Sender = &sender
	msg.Kind = wire.KindChat
	r.metrics.MessagesRouted.Add(1)

	switch {
	case strings.HasPrefix(msg.Content, commandPrefix):
		r.command(from, sender, msg)
	case strings.HasPrefix(msg.Content, privatePrefix):
		r.private(from, sender, msg)
	default:
		r.metrics.Broadcasts.Add(1)
		r.Broadcast(from, msg)
	}
}

func (r *Router) command(from Conn, sender wire.User, msg wire.Message) {
	fields := strings.Fields(msg.Content)
	handler, ok := commands[fields[0]]
	if !ok {
		r.logger.Debug("ignoring unknown command", "user", sender.Username, "command", fields[0])
		return
	}
	r.metrics.CommandsHandled.Add(1)
	handler(r, from, fields[1:])
}

func (r *Router) listUsers(from Conn, _ []string) {
	r.Reply(from, strings.Join(r.registry.Usernames(), "\n"))
}

// private handles "@<username> <text>". The message goes to the target and
// is echoed back to the sender so both render the same line.
func (r *Router) private(from Conn, sender wire.User, msg wire.Message) {
	space := strings.IndexByte(msg.Content, ' ')
	if space < 0 {
		r.Reply(from, privateFormatError)
		return
	}
	target := msg.Content[len(privatePrefix):space]

	to, ok := r.registry.Find(target)
	if !ok {
		r.Reply(from, fmt.Sprintf("user %s is not online", target))
		return
	}

	msg.Kind = wire.KindPrivate
	msg.Content = msg.Content[space+1:]

	if r.deliver(to, target, msg) {
		r.metrics.PrivateDeliveries.Add(1)
	}
	if to != from {
		r.deliver(from, sender.Username, msg)
	}
}

// Broadcast delivers msg to every registered connection except from and
// returns the number of successful deliveries. A failed recipient does not
// stop delivery to the others.
func (r *Router) Broadcast(from Conn, msg wire.Message) int {
	delivered := 0
	for conn, user := range r.registry.All() {
		if conn == from {
			continue
		}
		if r.deliver(conn, user.Username, msg) {
			delivered++
		}
	}
	return delivered
}

// Announce delivers a system message with content text to every registered
// connection.
func (r *Router) Announce(text string) int {
	return r.Broadcast(nil, wire.NewSystem(text))
}

// Reply sends a system message to a single connection.
func (r *Router) Reply(to Conn, text string) bool {
	return r.deliver(to, "", wire.NewSystem(text))
}

func (r *Router) deliver(to Conn, username string, msg wire.Message) bool {
	if err := to.Send(msg); err != nil {
		r.metrics.DeliveryFailures.Add(1)
		r.logger.Warn("delivery failed",
			"recipient", username,
			"conn", to.ID(),
			"type", msg.Kind,
			"err", err,
		)
		return false
	}
	return true
}
