package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
)

const (
	// NotificationSubjectPrefix is followed by the event name.
	NotificationSubjectPrefix = "p2p.notifications."
	ConversationSubject       = "p2p.conversations.create"
)

// NATSPublisher implements Notifier and Messenger over core NATS.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials NATS with reconnect handling.
func Connect(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("p2p-exchange"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSPublisher(conn), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Notify publishes the notification in an event envelope.
func (p *NATSPublisher) Notify(ctx context.Context, n domain.Notification) error {
	data, err := domain.SerializeEvent(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := NotificationSubjectPrefix + n.Event
	if err := p.conn.Publish(subject, data); err != nil {
		telemetry.NotificationsPublished.WithLabelValues(n.Event, "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	telemetry.NotificationsPublished.WithLabelValues(n.Event, "ok").Inc()
	return nil
}

// CreateConversation publishes a conversation request.
func (p *NATSPublisher) CreateConversation(ctx context.Context, req domain.ConversationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation request: %w", err)
	}
	if err := p.conn.Publish(ConversationSubject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ConversationSubject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}
