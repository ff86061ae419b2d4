package chat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime counters. All fields are safe for concurrent use.
type Metrics struct {
	startTime time.Time

	ConnectionsAccepted atomic.Int64 // streams handed to the server
	ConnectionsRejected atomic.Int64 // refused before login (server full)
	ActiveSessions      atomic.Int64 // sessions currently registered
	LoginsRejected      atomic.Int64 // missing sender, invalid or taken username

	MessagesRouted    atomic.Int64 // client messages handed to the router
	Broadcasts        atomic.Int64 // chat messages fanned out
	PrivateDeliveries atomic.Int64 // private messages delivered to their target
	CommandsHandled   atomic.Int64 // recognised slash commands
	DeliveryFailures  atomic.Int64 // per-recipient write failures
	ProtocolErrors    atomic.Int64 // sessions ended by a malformed line
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	Uptime string `json:"uptime"`

	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsRejected int64 `json:"connections_rejected"`
	ActiveSessions      int64 `json:"active_sessions"`
	LoginsRejected      int64 `json:"logins_rejected"`

	MessagesRouted    int64 `json:"messages_routed"`
	Broadcasts        int64 `json:"broadcasts"`
	PrivateDeliveries int64 `json:"private_deliveries"`
	CommandsHandled   int64 `json:"commands_handled"`
	DeliveryFailures  int64 `json:"delivery_failures"`
	ProtocolErrors    int64 `json:"protocol_errors"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime:              time.Since(m.startTime).Truncate(time.Second).String(),
		ConnectionsAccepted: m.ConnectionsAccepted.Load(),
		ConnectionsRejected: m.ConnectionsRejected.Load(),
		ActiveSessions:      m.ActiveSessions.Load(),
		LoginsRejected:      m.LoginsRejected.Load(),
		MessagesRouted:      m.MessagesRouted.Load(),
		Broadcasts:          m.Broadcasts.Load(),
		PrivateDeliveries:   m.PrivateDeliveries.Load(),
		CommandsHandled:     m.CommandsHandled.Load(),
		DeliveryFailures:    m.DeliveryFailures.Load(),
		ProtocolErrors:      m.ProtocolErrors.Load(),
	}
}

// LogValue lets a snapshot be logged as a group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("uptime", s.Uptime),
		slog.Int64("connections_accepted", s.ConnectionsAccepted),
		slog.Int64("connections_rejected", s.ConnectionsRejected),
		slog.Int64("active_sessions", s.ActiveSessions),
		slog.Int64("logins_rejected", s.LoginsRejected),
		slog.Int64("messages_routed", s.MessagesRouted),
		slog.Int64("broadcasts", s.Broadcasts),
		slog.Int64("private_deliveries", s.PrivateDeliveries),
		slog.Int64("commands_handled", s.CommandsHandled),
		slog.Int64("delivery_failures", s.DeliveryFailures),
		slog.Int64("protocol_errors", s.ProtocolErrors),
	)
}

// StartPeriodicLog logs a snapshot every interval until ctx is done.
// A non-positive interval disables it.
func (m *Metrics) StartPeriodicLog(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Info("server metrics", "metrics", m.Snapshot())
			case <-ctx.Done():
				return
			}
		}
	}()
}
